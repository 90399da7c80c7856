// Package scan defines the request record, error taxonomy, and the ports shared by the
// fetch pipeline, the worker loop, and the polling engine.
//
// A Record is created from a work-queue message, passed by value through the pipeline
// stages, and finally either written to the result store (terminal) or published to the
// scan queue (pending scan). The Status field makes the lifecycle explicit:
//
//	fetching -> pending_scan -> scanning
//	         \-> cache_hit | resolved | failed
package scan
