// Package planner computes runtime plans.
//
// A plan lists every file a profile's runtime must contain, merged from the
// base tree and the profile's overlay entries, and classifies each against
// the currently published build. The builder executes plans; the planner
// never touches the filesystem beyond reading the base tree and the current
// manifest.
//
// Key responsibilities:
//   - Enumerate base files, skipping tombstoned paths and subtrees
//   - Let overlay file entries shadow base files
//   - Classify files as link_from_base, link_from_blob or unchanged
//   - Emit remove operations for files of the previous build that are gone
//   - Produce identical plans for identical inputs
package planner
