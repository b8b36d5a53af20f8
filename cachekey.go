package genroute

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// cacheKeyLen is the number of hex digits kept from the digest. 128 bits is
// plenty for collision resistance at cache scale.
const cacheKeyLen = 32

// CacheKey derives the deterministic cache key for a generation request
// from the model name, the workflow label, the parameters, and the full
// prompt text. Parameters are serialized with sorted keys, so maps that are
// equal up to ordering produce the same key. Two requests share a key only
// if they are interchangeable.
func CacheKey(model, workflow string, params Params, prompt string) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable values (channels, funcs) should not reach a
		// generation request; fmt also prints maps in sorted key order.
		canonical = []byte(fmt.Sprintf("%v", params))
	}

	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(prompt))

	return hex.EncodeToString(h.Sum(nil))[:cacheKeyLen]
}
