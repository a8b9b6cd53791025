package encrypt

import (
	"crypto/md5"
	"encoding/binary"
	"sort"
)

// buildTables derives the byte-substitution tables of the classic
// shadowsocks "table" method: a permutation of 0..255 seeded by the
// first eight bytes of MD5(password) and refined over 1023 stable
// sort rounds, plus its inverse.
func buildTables(password string, enc, dec *[256]byte) {
	digest := md5.Sum([]byte(password))
	a := binary.LittleEndian.Uint64(digest[:8])

	perm := make([]uint64, 256)
	for i := range perm {
		perm[i] = uint64(i)
	}
	for i := uint64(1); i < 1024; i++ {
		sort.SliceStable(perm, func(x, y int) bool {
			return a%(perm[x]+i) < a%(perm[y]+i)
		})
	}

	for i, v := range perm {
		enc[i] = byte(v)
		dec[v] = byte(i)
	}
}
