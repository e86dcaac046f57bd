// Package dedupe tracks which commands an agent has already executed, so a
// command seen both as a push announcement and in a later poll runs once.
package dedupe
