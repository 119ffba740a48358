// Package reconcile implements the merge-compare reconciler: a
// single-cursor merge over two sorted streams — remote.Object and
// localfs.Entry — that emits action.FileAction values.
package reconcile

import (
	"github.com/bucketmirror/bucketmirror/action"
	"github.com/bucketmirror/bucketmirror/localfs"
	"github.com/bucketmirror/bucketmirror/pathcmp"
	"github.com/bucketmirror/bucketmirror/remote"
)

// Options configures a reconciliation run.
type Options struct {
	// Remove permits deletion of local-only entries.
	Remove bool
}

// Run steps the merge and returns the ordered list of FileAction values
// to submit to the queue. remoteObjs and localEntries must already be
// sorted by the UTF-8 comparator; remote.Iterate and localfs.Tree.List
// both guarantee this.
func Run(remoteObjs []remote.Object, localEntries []localfs.Entry, opt Options) []action.FileAction {
	var actions []action.FileAction
	ri, li := 0, 0

	for ri < len(remoteObjs) || li < len(localEntries) {
		switch {
		case li >= len(localEntries):
			// l absent: submit WriteObject for r; advance r.
			actions = append(actions, writeAction(remoteObjs[ri]))
			ri++

		case ri >= len(remoteObjs):
			// r absent.
			l := localEntries[li]
			if !opt.Remove {
				li++
				continue
			}
			if l.IsDir {
				actions = append(actions, removeDirAction(l.RelativePath))
				li = skipPrefixed(localEntries, li+1, l.RelativePath)
			} else {
				actions = append(actions, removeFileAction(l.RelativePath))
				li++
			}

		default:
			l := localEntries[li]
			r := remoteObjs[ri]

			switch {
			case pathcmp.Less(l.RelativePath, r.TransformedKey):
				// local-only entry
				if !opt.Remove {
					li++
					continue
				}
				if l.IsDir && !pathcmp.HasPrefix(r.TransformedKey, l.RelativePath) {
					actions = append(actions, removeDirAction(l.RelativePath))
					li = skipPrefixed(localEntries, li+1, l.RelativePath)
				} else if l.IsDir {
					// r is nested inside l: the directory stays, its
					// descendants will be processed on later steps.
					li++
				} else {
					actions = append(actions, removeFileAction(l.RelativePath))
					li++
				}

			case l.RelativePath == r.TransformedKey:
				if l.IsDir {
					// directory already present
					li++
					ri++
				} else {
					if r.LastModified.After(l.Mtime) || r.Size != l.Size {
						actions = append(actions, writeAction(r))
					}
					li++
					ri++
				}

			default:
				// remote-only entry
				actions = append(actions, writeAction(r))
				ri++
			}
		}
	}

	return actions
}

// skipPrefixed advances past every local entry nested under prefix,
// keeping the cursor aligned after a recursive directory removal.
func skipPrefixed(entries []localfs.Entry, from int, prefix string) int {
	i := from
	for i < len(entries) && pathcmp.HasPrefix(entries[i].RelativePath, prefix) {
		i++
	}
	return i
}

func writeAction(r remote.Object) action.FileAction {
	return action.FileAction{
		Kind:           action.WriteObject,
		Key:            r.Key,
		TransformedKey: r.TransformedKey,
		Mtime:          r.LastModified,
		Size:           r.Size,
		Source:         action.SourceSync,
	}
}

func removeFileAction(relPath string) action.FileAction {
	return action.FileAction{Kind: action.RemoveFile, RelativePath: relPath, Source: action.SourceSync}
}

func removeDirAction(relPath string) action.FileAction {
	return action.FileAction{Kind: action.RemoveDirRecursive, RelativePath: relPath, Source: action.SourceSync}
}
