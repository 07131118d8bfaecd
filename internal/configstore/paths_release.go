//go:build !debug

package configstore

const dirName = ".keysync"
