package encrypt

import "crypto/md5"

// bytesToKey implements OpenSSL's EVP_BytesToKey with MD5, the key
// derivation shadowsocks clients apply to the shared password.
func bytesToKey(password string, keySize int) []byte {
	var res []byte
	data := []byte(password)
	hash := md5.New()
	for len(res) < keySize {
		hash.Write(res)
		hash.Write(data)
		res = hash.Sum(res)
		hash.Reset()
	}
	return res[:keySize]
}
