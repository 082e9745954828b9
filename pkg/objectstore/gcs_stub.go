//go:build !gcp

package objectstore

import (
	"context"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// GCS support compiles only with the gcp build tag; the SDK pulls a
// large dependency tree most deployments do not want.
func newGCSStore(context.Context, Config) (Store, error) {
	return nil, domain.E(domain.KindInvalidState, "gcs backend requires a build with the gcp tag")
}
