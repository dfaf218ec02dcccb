// Package toolchains acquires build toolchain artifacts with verified
// integrity: it resolves artifact coordinates against a metadata
// registry, downloads payloads with retry and bounded parallelism,
// verifies a streaming SHA-256 digest against the expected value, and
// serves results from a content-addressed cache keyed by hash. Lock
// manifests pin the full artifact set of a build and support
// verification, diffing, advisory audits, and SBOM export.
//
// The entry point is Client:
//
//	client, err := toolchains.New(
//		toolchains.WithCacheDir("/var/cache/toolchains"),
//	)
//	if err != nil {
//		return err
//	}
//	res, err := client.Acquire(ctx, "llvm", "18.1.8", "linux-x64")
//
// Acquisitions validate at one of three levels: head probes the source
// without transferring the payload, partial transfers a leading slice,
// and full (the default) downloads, verifies, and caches the artifact.
// A cached entry is trusted only through its verified hash and only
// within its freshness window; stale entries are re-verified on access
// and tampered ones are refetched.
package toolchains
