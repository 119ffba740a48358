// Package remote implements the remote list iterator and the S3 adapter
// that supplies the Lister/Getter interfaces it consumes.
package remote

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bucketmirror/bucketmirror/keytransform"
	"github.com/bucketmirror/bucketmirror/logging"
	"github.com/bucketmirror/bucketmirror/pathcmp"
)

// Object is a remote item paired with its locally-transformed key.
type Object struct {
	Key            string
	TransformedKey string
	LastModified   time.Time
	Size           int64
	// ETag is carried through for callers that want it but is never
	// consulted to decide "changed or not"; reconciliation compares
	// size and modification time only.
	ETag string
}

// Page is one page of a List call.
type Page struct {
	Items                 []RawObject
	NextContinuationToken string
}

// RawObject is an item as returned by the object store, before
// transformation.
type RawObject struct {
	Key          string
	LastModified time.Time
	Size         int64
	ETag         string
}

// Lister is the interface the core consumes from the remote object
// store; its concrete implementation (transport, retries, credentials)
// is supplied by an adapter such as S3Store.
type Lister interface {
	List(ctx context.Context, bucket, prefix string, maxKeys int, continuationToken string) (Page, error)
}

// Getter fetches a single object's body.
type Getter interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// IterateOptions configures a full listing pass.
type IterateOptions struct {
	Bucket     string
	Prefix     string
	Suffix     string
	MaxKeys    int
	Pipeline   *keytransform.Pipeline
}

// Iterate performs the paged enumeration: initiate the next page request
// before processing the previous page's contents, filter by suffix,
// transform keys, and accumulate into a map
// keyed by transformed key so that collisions resolve to "last seen
// wins". The final result is materialized and sorted by original key
// under the UTF-8 comparator, because transformation can reorder items
// relative to the provider's returned order.
func Iterate(ctx context.Context, lister Lister, opt IterateOptions) ([]Object, error) {
	if opt.MaxKeys <= 0 {
		opt.MaxKeys = 1000
	}

	fetch := func(token string) (*errgroup.Group, *Page) {
		g, gctx := errgroup.WithContext(ctx)
		page := new(Page)
		g.Go(func() error {
			p, err := lister.List(gctx, opt.Bucket, opt.Prefix, opt.MaxKeys, token)
			*page = p
			return err
		})
		return g, page
	}

	byTransformed := make(map[string]Object)
	// A later key that collides on its transformed key overwrites the
	// earlier entry ("last seen wins") and the collision is logged; the
	// final output sorts by original key.
	g, pagePtr := fetch("")

	for {
		if err := g.Wait(); err != nil {
			return nil, err
		}
		page := *pagePtr

		// Overlap network I/O with CPU work: kick off the next page
		// fetch before processing this page's contents.
		var nextG *errgroup.Group
		var nextPage *Page
		if page.NextContinuationToken != "" {
			nextG, nextPage = fetch(page.NextContinuationToken)
		}

		for _, raw := range page.Items {
			if opt.Suffix != "" && !strings.HasSuffix(raw.Key, opt.Suffix) {
				continue
			}
			transformed, keep := opt.Pipeline.Apply(raw.Key)
			if !keep {
				logging.Debugf(raw.Key, "dropped by transformer pipeline (empty or root)")
				continue
			}
			if existing, collided := byTransformed[transformed]; collided {
				logging.Warnf(transformed, "transform collision: key %q overwrites key %q", raw.Key, existing.Key)
			}
			byTransformed[transformed] = Object{
				Key:            raw.Key,
				TransformedKey: transformed,
				LastModified:   raw.LastModified,
				Size:           raw.Size,
				ETag:           raw.ETag,
			}
		}

		if nextG == nil {
			break
		}
		g, pagePtr = nextG, nextPage
	}

	objs := make([]Object, 0, len(byTransformed))
	for _, o := range byTransformed {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool {
		return pathcmp.Less(objs[i].Key, objs[j].Key)
	})
	return objs, nil
}
