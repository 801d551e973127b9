// Package crawler defines the request, response, and collaborator types shared by
// the downloader, the middleware chain, the dedupe filter, and transports.
package crawler
