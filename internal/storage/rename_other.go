//go:build !linux

package storage

func renameNoReplace(oldAbs, newAbs string) error {
	return renameCheckThenMove(oldAbs, newAbs)
}
