// Package export writes built snapshots as OCI image layouts.
//
// The layout is a plain directory (oci-layout, index.json, blobs/) that
// standard tooling can load directly, for example with
// "podman load" or "skopeo copy oci:<dir>".
package export
