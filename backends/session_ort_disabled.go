//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/pix2s/options"
)

func newORTSession(_ []byte, _ []string, _ *options.Options) (Session, error) {
	return nil, errors.New("ORT is not enabled")
}
