// Package backup archives and restores per-instance save state. Archives
// are gzip tarballs rooted at Saved/ in a sibling directory of the instance
// root; the filesystem is the only catalog. Retention trims each instance
// to a fixed archive count first and applies the global byte ceiling,
// oldest first, strictly after.
package backup
