// Package macro expands spoken dictation macros. An invocation keyword such as
// "einfügen" followed by a short phrase is resolved against a phrase table
// through exact, trimmed, containment and fuzzy matching, and the invocation
// span is replaced by the macro's canned text.
package macro
