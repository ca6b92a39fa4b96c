package challenge

import (
	"po-token/shared"
)

// scrambleOffset is added to every byte of a scrambled challenge
const scrambleOffset = 97

// Descramble reverses the byte shift applied to legacy challenges.
// The input is standard or websafe base64.
func Descramble(scrambled string) (string, error) {
	buf, err := shared.DecodeBase64(scrambled)
	if err != nil {
		return "", shared.NewChallengeError("scrambledChallenge", "invalid base64", err)
	}
	if len(buf) == 0 {
		return "", shared.NewChallengeError("scrambledChallenge", "empty payload", nil)
	}
	for i := range buf {
		buf[i] += scrambleOffset
	}
	return string(buf), nil
}

// Scramble is the inverse of Descramble and produces websafe base64
func Scramble(plain string) string {
	buf := []byte(plain)
	for i := range buf {
		buf[i] -= scrambleOffset
	}
	return shared.EncodeWebsafe(buf)
}
