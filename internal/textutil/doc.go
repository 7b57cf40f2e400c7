// Package textutil turns committee keys and hearing titles into path segments
// and display names.
//
// Committee keys arrive from discovery as dotted lowercase identifiers such as
// "senate.judiciary". Path helpers keep them filesystem-safe for the
// transcript tree; display helpers title-case them for notifications and
// metadata.
package textutil
