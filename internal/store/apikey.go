package store

import "crypto/rand"

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generateApiKey mirrors generate_api_key's 48 random alphanumeric
// characters behind an "sk-" prefix, using crypto/rand in place of
// Python's secrets.choice.
func generateApiKey() string {
	const n = 48
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return "sk-" + string(out)
}
