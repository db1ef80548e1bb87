// Package archive defines the domain model shared by the crawl and download pipelines:
// posts, their links, the link status state machine, and the capabilities (store,
// fetcher, extractor, sink) the pipelines are wired from.
package archive
