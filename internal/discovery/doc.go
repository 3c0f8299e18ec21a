// Package discovery provides a TTL cache of per-connector tool lists with
// single-flight refresh, so concurrent cold reads trigger exactly one fetch.
package discovery
