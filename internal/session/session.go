// Package session tracks who is talking to whom. A Registry is the single
// source of truth for whether a user is in a conversation.
package session
