// Package bans stores the server's ban list.
//
// Store persists bans in a SQLite database through gorm. S3Source reads and
// writes a YAML snapshot of the list in an S3 bucket so several servers can
// share one list. Cached puts a short-lived go-cache in front of any lookup
// so a burst of logins does not hit the database for every attempt.
//
// Store, S3-synced or not, and Cached all implement auth.BanList.
package bans
