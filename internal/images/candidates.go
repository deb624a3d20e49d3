package images

import "strings"

const ipfsScheme = "ipfs://"
const ipfsPathMarker = "/ipfs/"

// Candidates expands an image reference into the ordered list of URLs to
// try. Order is the contract: callers probe strictly front to back.
//
//   - ipfs://CID/path yields one URL per configured gateway
//   - an http(s) URL containing /ipfs/ yields the original URL first, then
//     every gateway rewrite of the same content path
//   - any other http(s) URL yields just itself
//   - an empty reference yields nothing
func Candidates(ref string, gateways []string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}

	if strings.HasPrefix(ref, ipfsScheme) {
		contentPath := strings.TrimPrefix(ref, ipfsScheme)
		if contentPath == "" {
			return nil
		}
		return rewrites(contentPath, gateways, "")
	}

	if idx := strings.Index(ref, ipfsPathMarker); idx >= 0 {
		contentPath := ref[idx+len(ipfsPathMarker):]
		if contentPath == "" {
			return []string{ref}
		}
		return rewrites(contentPath, gateways, ref)
	}

	return []string{ref}
}

// rewrites builds gateway URLs for a content path, optionally led by the
// original URL. A rewrite identical to the original is skipped so the same
// gateway is not probed twice.
func rewrites(contentPath string, gateways []string, original string) []string {
	out := make([]string, 0, len(gateways)+1)
	if original != "" {
		out = append(out, original)
	}
	for _, gw := range gateways {
		url := gw + contentPath
		if url == original {
			continue
		}
		out = append(out, url)
	}
	return out
}

// GatewayHost extracts the host portion of a candidate URL for breaker
// bookkeeping. Falls back to the whole URL when it does not parse cleanly.
func GatewayHost(url string) string {
	rest := url
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return url
	}
	return rest
}
