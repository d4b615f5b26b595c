// Package crawler defines the shared vocabulary of the listing + detail crawl
// pipeline: item and session types, the browser and storage contracts, the
// error taxonomy, retry policy, and the crawler registry that maps a source
// type to the implementation that processes it.
package crawler
