// Package cachestatus builds the Cache-Status response header (RFC 9211).
package cachestatus

import (
	"net/http"

	"github.com/lucasew/disklru/internal/errutil"
	"github.com/shogo82148/go-sfv"
)

// Header is the response header name.
const Header = "Cache-Status"

// Cache is the cache identifier reported in the header.
const Cache = "disklru"

// Hit marks a response served from the cache.
func Hit(h http.Header, key string) {
	set(h, key, sfv.Parameters{{Key: "hit", Value: true}})
}

// Miss marks a response filled from elsewhere. stored reports whether it was cached.
func Miss(h http.Header, key string, stored bool) {
	params := sfv.Parameters{{Key: "fwd", Value: sfv.Token("miss")}}
	if stored {
		params = append(params, sfv.Parameter{Key: "stored", Value: true})
	}
	set(h, key, params)
}

func set(h http.Header, key string, params sfv.Parameters) {
	params = append(params, sfv.Parameter{Key: "key", Value: key})
	val, err := sfv.EncodeList(sfv.List{{Value: sfv.Token(Cache), Parameters: params}})
	if err != nil {
		// Keys with non-ASCII bytes cannot be sfv strings; report without the key.
		errutil.LogMsg(err, "Failed to encode Cache-Status", "key", key)
		val, err = sfv.EncodeList(sfv.List{{Value: sfv.Token(Cache), Parameters: params[:len(params)-1]}})
		if err != nil {
			return
		}
	}
	h.Set(Header, val)
}

// Parse decodes a Cache-Status header and reports whether the disklru member is a hit.
func Parse(h http.Header) (hit bool, ok bool) {
	list, err := sfv.DecodeList(h.Values(Header))
	if err != nil {
		return false, false
	}
	for _, item := range list {
		if tok, isTok := item.Value.(sfv.Token); !isTok || tok != Cache {
			continue
		}
		for _, p := range item.Parameters {
			if p.Key == "hit" {
				b, _ := p.Value.(bool)
				return b, true
			}
		}
		return false, true
	}
	return false, false
}
