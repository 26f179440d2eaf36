package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec and a
// sha2-256 multihash. Used to content-address delivered artifacts in audit
// entries without storing the artifact itself.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid parameters; SHA2_256 with
		// default length cannot fail.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
