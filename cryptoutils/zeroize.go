package cryptoutils

import "runtime"

// Zeroize overwrites data with zeros in place.
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
