// Package content binds posts to their author's key. The author signs the
// canonical message of a post client-side; the server records the signature
// and re-verifies it every time the post is read.
package content

import (
	"github.com/alphabot-ai/keypost/internal/keys"
	"github.com/alphabot-ai/keypost/internal/model"
)

const separator = "|"

// CanonicalMessage is the exact text an author signs. Fields are joined
// without escaping, so a title containing the separator can collide with a
// different split of the same characters. Existing signatures depend on
// this format.
func CanonicalMessage(title, body, timestamp string) string {
	return title + separator + body + separator + timestamp
}

func PostMessage(post model.Post) string {
	return CanonicalMessage(post.Title, post.Body, post.SignedAt)
}

// VerifyContent recomputes the message from the stored fields and checks
// the signature against the author key. Any failure is just false.
func VerifyContent(post model.Post, authorPublicKey string) bool {
	if post.Signature == "" || authorPublicKey == "" {
		return false
	}
	return keys.Verify(authorPublicKey, []byte(PostMessage(post)), post.Signature)
}

// AttachSignature records the signature verbatim without checking it.
func AttachSignature(post *model.Post, signatureB64, timestamp string) {
	post.Signature = signatureB64
	post.SignedAt = timestamp
}
