// Package source turns an opaque story locator into fetchable URLs.
package source

import "regexp"

var (
	queryIDPattern = regexp.MustCompile(`id=([a-zA-Z0-9_-]+)`)
	pathIDPattern  = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)
)

const (
	driveDownloadURL = "https://drive.google.com/uc?export=download&id="
	drivePreviewBase = "https://drive.google.com/file/d/"
)

// URLs is the pair of locations derived from a story path.
type URLs struct {
	DownloadURL string `json:"downloadUrl"`
	PreviewURL  string `json:"previewUrl"`
}

// FileID extracts a cloud-drive file identifier, trying the query-parameter
// form before the path-segment form.
func FileID(path string) (string, bool) {
	if m := queryIDPattern.FindStringSubmatch(path); m != nil {
		return m[1], true
	}
	if m := pathIDPattern.FindStringSubmatch(path); m != nil {
		return m[1], true
	}
	return "", false
}

// Resolve derives the direct-download and embeddable-preview URLs. Paths
// without a recognisable file id are returned unchanged as both URLs.
func Resolve(path string) URLs {
	id, ok := FileID(path)
	if !ok {
		return URLs{DownloadURL: path, PreviewURL: path}
	}
	return URLs{
		DownloadURL: driveDownloadURL + id,
		PreviewURL:  drivePreviewBase + id + "/preview",
	}
}
