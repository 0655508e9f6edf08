package access

import "golang.org/x/crypto/bcrypt"

// PasswordHasher hashes and verifies credentials. The engine never touches
// credentials itself; resources that store them pull this in explicitly.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// BcryptHasher is the default PasswordHasher.
type BcryptHasher struct {
	// Cost is the bcrypt cost, bcrypt.DefaultCost when zero.
	Cost int
}

// Hash returns the bcrypt hash for the password.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(hashed), err
}

// Verify reports whether the password matches the hash.
func (h BcryptHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
