// Package rangereader provides uniform random-access reads of arbitrary
// byte ranges from heterogeneous backends: local files, HTTP/HTTPS servers
// with range support, and cloud object stores (S3-compatible, Azure Blob,
// Google Cloud Storage).
//
// A RangeReader never buffers an entire object. Callers read explicit
// [offset, offset+length) windows; a composable decorator stack (block
// alignment, in-memory caching, on-disk caching, single-flight
// coalescing) can be layered over any backend to make repeated, scattered
// reads of a large remote object cheap without ever materializing it
// whole.
package rangereader
