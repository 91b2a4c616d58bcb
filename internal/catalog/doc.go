// Package catalog holds the study types offered to dictation clients.
package catalog
