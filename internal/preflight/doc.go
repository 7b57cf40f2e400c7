// Package preflight provides readiness checks for the directories and
// external collaborators docket depends on.
//
// The health command prints these alongside queue stats, and serve refuses to
// start while a required check fails. Checks for collaborators that are not
// configured are skipped.
package preflight
