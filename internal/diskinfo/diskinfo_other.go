//go:build !unix

package diskinfo

func Stat(path string) (Usage, error) {
	return Usage{Path: path}, ErrUnsupported
}
