//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

func newCodec() (Codec, error) {
	return stdCodec{}, nil
}
