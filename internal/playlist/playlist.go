// Package playlist resolves an HLS master or media playlist down to an
// ordered list of segment URLs and an optional init segment URL.
package playlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/jmylchreest/hlsvault/internal/models"
	"github.com/jmylchreest/hlsvault/internal/urlutil"
)

const maxLineSize = 1024 * 1024

// ErrNoSegments is the cause carried by the fatal error Resolve returns
// when a playlist parses cleanly but lists zero segments.
var ErrNoSegments = errors.New("playlist contains no segments")

// Fetcher retrieves playlist bodies. Satisfied by *urlutil.ResourceFetcher.
type Fetcher interface {
	Fetch(ctx context.Context, u string) (io.ReadCloser, error)
}

var mapURIRegex = regexp.MustCompile(`URI="([^"]+)"`)

// Resolved is the flattened result of following a master playlist down
// to its selected media variant.
type Resolved struct {
	VariantURL     string
	InitSegmentURL string
	Segments       []models.HLSSegment
}

// Resolve fetches masterURL. A master playlist is expected to list a
// single variant; if it lists several, the first #EXT-X-STREAM-INF
// entry is selected. Resolve then fetches that variant's media
// playlist and returns its init segment URI and ordered segment list
// with every URI resolved to an absolute URL. If masterURL has no
// variants it is treated as the media playlist itself.
func Resolve(ctx context.Context, fetcher Fetcher, masterURL string) (*Resolved, error) {
	variants, segments, initURI, err := fetchAndParse(ctx, fetcher, masterURL)
	if err != nil {
		return nil, err
	}

	if len(variants) == 0 {
		resolvedSegments := resolveSegments(masterURL, segments)
		if len(resolvedSegments) == 0 {
			return nil, models.NewDownloadError(models.ErrorKindPermanentUpstream,
				fmt.Sprintf("playlist %s has no segments", masterURL), ErrNoSegments)
		}
		return &Resolved{
			VariantURL:     masterURL,
			InitSegmentURL: resolveURI(masterURL, initURI),
			Segments:       resolvedSegments,
		}, nil
	}

	variantURL := resolveURI(masterURL, variants[0])

	_, variantSegments, variantInit, err := fetchAndParse(ctx, fetcher, variantURL)
	if err != nil {
		return nil, err
	}

	resolvedSegments := resolveSegments(variantURL, variantSegments)
	if len(resolvedSegments) == 0 {
		return nil, models.NewDownloadError(models.ErrorKindPermanentUpstream,
			fmt.Sprintf("playlist %s has no segments", variantURL), ErrNoSegments)
	}

	return &Resolved{
		VariantURL:     variantURL,
		InitSegmentURL: resolveURI(variantURL, variantInit),
		Segments:       resolvedSegments,
	}, nil
}

func fetchAndParse(ctx context.Context, fetcher Fetcher, playlistURL string) ([]string, []string, string, error) {
	body, err := fetcher.Fetch(ctx, playlistURL)
	if err != nil {
		return nil, nil, "", fmt.Errorf("fetching playlist %s: %w", playlistURL, err)
	}
	defer body.Close()

	variants, segments, initURI, err := parse(body)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parsing playlist %s: %w", playlistURL, err)
	}
	return variants, segments, initURI, nil
}

// parse reads one playlist body and returns any #EXT-X-STREAM-INF
// variant URIs in listed order, the ordered segment URIs, and the
// #EXT-X-MAP init segment URI if present. #EXTINF durations and
// BANDWIDTH attributes are not needed: Resolve always takes the first
// listed variant, and segment order plus the index assigned during
// resolution are what matter for the rest.
func parse(r io.Reader) ([]string, []string, string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var variants []string
	var segments []string
	var initURI string
	var pendingStreamInf bool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingStreamInf = true
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			if m := mapURIRegex.FindStringSubmatch(line); m != nil {
				initURI = m[1]
			}
		case strings.HasPrefix(line, "#"):
			// #EXTINF and any other tag carry no information we need.
		default:
			if pendingStreamInf {
				variants = append(variants, line)
				pendingStreamInf = false
				continue
			}
			segments = append(segments, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, "", err
	}
	return variants, segments, initURI, nil
}

func resolveURI(base, uri string) string {
	if uri == "" {
		return ""
	}
	if urlutil.IsRemoteURL(uri) || urlutil.IsFileURL(uri) {
		return uri
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return uri
	}
	refURL, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return baseURL.ResolveReference(refURL).String()
}

func resolveSegments(base string, uris []string) []models.HLSSegment {
	out := make([]models.HLSSegment, 0, len(uris))
	for i, uri := range uris {
		out = append(out, models.HLSSegment{
			Index: uint32(i),
			URL:   resolveURI(base, uri),
		})
	}
	return out
}
