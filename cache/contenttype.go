package cache

import (
	"path"
	"strings"
)

const octetStream = "application/octet-stream"

// extensionTypes is the allow-list used to infer a content type from the URL
// when the upstream declares one the caller did not ask for.
var extensionTypes = map[string]string{
	".json": "application/json",
	".avif": "image/avif",
	".webp": "image/webp",
	".png":  "image/png",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
}

// resolveContentType picks the content type recorded for a fetched resource.
// A declared type whose media type appears in accept is kept as is.
// Otherwise the URL path extension is consulted, forced to ".json" when the
// caller's first preference is JSON. Failing that the declared type is kept.
func resolveContentType(declared, urlPath string, accept []string) string {
	if declared != "" {
		want := mediaType(declared)
		for _, a := range accept {
			if mediaType(a) == want {
				return declared
			}
		}
	}

	ext := strings.ToLower(path.Ext(urlPath))
	if len(accept) > 0 && mediaType(accept[0]) == "application/json" {
		ext = ".json"
	}
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}

	if declared != "" {
		return declared
	}
	return octetStream
}
