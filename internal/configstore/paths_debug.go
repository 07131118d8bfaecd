//go:build debug

package configstore

// Debug builds keep their state apart from an installed release.
const dirName = ".keysync-dev"
