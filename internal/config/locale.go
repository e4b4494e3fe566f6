package config

import "os"

// SetupLocale applies the configured locale category triple to the
// process environment for children to inherit, forces the monetary,
// numeric and time categories to "C", and unsets LC_ALL after consuming
// it so no later setting silently overrides the per-category choices.
func SetupLocale(t LocaleTriple) LocaleTriple {
	if all := os.Getenv("LC_ALL"); all != "" {
		if t.Collate == "" {
			t.Collate = all
		}
		if t.Ctype == "" {
			t.Ctype = all
		}
		if t.Messages == "" {
			t.Messages = all
		}
		os.Unsetenv("LC_ALL")
	}
	setIfPresent("LC_COLLATE", t.Collate)
	setIfPresent("LC_CTYPE", t.Ctype)
	setIfPresent("LC_MESSAGES", t.Messages)
	os.Setenv("LC_MONETARY", "C")
	os.Setenv("LC_NUMERIC", "C")
	os.Setenv("LC_TIME", "C")
	return t
}

func setIfPresent(key, val string) {
	if val != "" {
		os.Setenv(key, val)
	}
}
