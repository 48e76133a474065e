package job

// IsValidName reports whether name can be used as a job name. Names double as
// filenames in every storage backend, so they must be non-empty printable
// ASCII without spaces, path separators, or control characters, and must not
// collide with the "." and ".." directory entries. Note that "..name" and
// "name.." are ordinary filenames and are allowed.
func IsValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c > '~' || c == '/' {
			return false
		}
	}
	return true
}
