// Package voprf implements the blind-credential scheme used between the
// Identity Authority and voters: a verifiable oblivious pseudorandom
// function on BN254 G1 in the 2HashDH shape of RFC 9497.
//
// The client hashes its secret token to a curve point, blinds it with a
// random scalar and sends the blinded element to the signer. The signer
// multiplies by its private key and returns the result together with a
// Chaum-Pedersen DLEQ proof, so the client can check the evaluation used
// the published key before unblinding. The unblinded output sk*H(msg) is a
// BLS-style signature: any third party holding only the signer's G2 public
// key can verify it with a pairing check, without learning anything that
// links it to the blinded element the signer saw.
//
// Parameters: curve BN254 (gnark-crypto), hash-to-curve per HashToG1 with
// the domain separation tag below, SHA-256 for token hashing.
package voprf

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

const (
	// dstHashToCurve is the hash-to-curve domain separation tag.
	dstHashToCurve = "CHOICE-VOPRF-BN254G1-SHA256-v1"
	// dstChallenge is the DLEQ challenge domain separation tag.
	dstChallenge = "CHOICE-VOPRF-DLEQ-v1"

	// G1Size and G2Size are the compressed point sizes.
	G1Size = bn254.SizeOfG1AffineCompressed
	G2Size = bn254.SizeOfG2AffineCompressed
)

var (
	// ErrSigningKeyUnavailable is returned when the signer's key material
	// has not been loaded or has been zeroized.
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")
	// ErrInvalidPoint is returned when a wire element does not decode to a
	// valid curve point.
	ErrInvalidPoint = errors.New("invalid curve point")
	// ErrInvalidSignature is returned when the pairing check fails.
	ErrInvalidSignature = errors.New("invalid credential signature")
	// ErrInvalidProof is returned when the DLEQ transcript does not verify.
	ErrInvalidProof = errors.New("invalid DLEQ proof")
)

var g1Gen, g2Gen = func() (bn254.G1Affine, bn254.G2Affine) {
	_, _, g1, g2 := bn254.Generators()
	return g1, g2
}()

// PublicKey holds the signer's public key in both groups: G1 for the DLEQ
// transcript checked by clients, G2 for the pairing check done by anyone
// verifying an unblinded credential.
type PublicKey struct {
	G1 bn254.G1Affine
	G2 bn254.G2Affine
}

// Bytes returns the compressed concatenation G1 || G2.
func (pk *PublicKey) Bytes() []byte {
	b1 := pk.G1.Bytes()
	b2 := pk.G2.Bytes()
	return append(b1[:], b2[:]...)
}

// PublicKeyFromBytes decodes a compressed G1 || G2 public key.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	if len(data) != G1Size+G2Size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPoint, G1Size+G2Size, len(data))
	}
	pk := &PublicKey{}
	if _, err := pk.G1.SetBytes(data[:G1Size]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if _, err := pk.G2.SetBytes(data[G1Size:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return pk, nil
}

// Signer holds the private evaluation key. It must be created explicitly
// and zeroized on shutdown; there is no package-level key state.
type Signer struct {
	sk  fr.Element
	pub PublicKey
}

// GenerateKey creates a signer with a fresh random key.
func GenerateKey() (*Signer, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return NewSigner(sk.Marshal())
}

// NewSigner builds a signer from a persisted 32-byte secret.
func NewSigner(secret []byte) (*Signer, error) {
	s := &Signer{}
	s.sk.SetBytes(secret)
	if s.sk.IsZero() {
		return nil, ErrSigningKeyUnavailable
	}
	var skBig big.Int
	s.sk.BigInt(&skBig)
	s.pub.G1.ScalarMultiplication(&g1Gen, &skBig)
	s.pub.G2.ScalarMultiplication(&g2Gen, &skBig)
	return s, nil
}

// MarshalSecret returns the secret scalar for persistence.
func (s *Signer) MarshalSecret() []byte {
	return s.sk.Marshal()
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() *PublicKey {
	return &s.pub
}

// Zeroize wipes the private key. Further Evaluate calls fail with
// ErrSigningKeyUnavailable.
func (s *Signer) Zeroize() {
	s.sk.SetZero()
}

// Proof is a Chaum-Pedersen DLEQ transcript proving that the evaluated
// element and the public key share the same discrete logarithm.
type Proof struct {
	C []byte `json:"c"`
	S []byte `json:"s"`
}

// Evaluation is the signer's answer to a blinded element.
type Evaluation struct {
	Element []byte `json:"element"`
	Proof   Proof  `json:"proof"`
}

// Evaluate multiplies the blinded element by the private key and attaches
// a DLEQ proof. It is a pure cryptographic operation: the signer cannot
// learn the client's eventual unblinded credential.
func (s *Signer) Evaluate(blinded []byte) (*Evaluation, error) {
	if s.sk.IsZero() {
		return nil, ErrSigningKeyUnavailable
	}
	var b bn254.G1Affine
	if _, err := b.SetBytes(blinded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if b.IsInfinity() {
		return nil, ErrInvalidPoint
	}
	var skBig big.Int
	s.sk.BigInt(&skBig)
	var z bn254.G1Affine
	z.ScalarMultiplication(&b, &skBig)

	proof, err := proveDLEQ(&s.sk, &s.pub.G1, &b, &z)
	if err != nil {
		return nil, err
	}
	zb := z.Bytes()
	return &Evaluation{Element: zb[:], Proof: *proof}, nil
}

// TokenInput builds the message the credential signs over: the client's
// secret token bound to the poll scope, the verification tier and the
// expiry instant. The scope binding prevents replay of a credential across
// polls; the tier binding fixes the vote weight the credential carries.
func TokenInput(token []byte, scope, tier string, expiresAt time.Time) []byte {
	msg := make([]byte, 0, len(token)+len(scope)+len(tier)+11)
	msg = append(msg, token...)
	msg = append(msg, 0x00)
	msg = append(msg, []byte(scope)...)
	msg = append(msg, 0x00)
	msg = append(msg, []byte(tier)...)
	msg = append(msg, 0x00)
	msg = binary.BigEndian.AppendUint64(msg, uint64(expiresAt.Unix()))
	return msg
}

// Blinded is the client-side state of a blinding operation.
type Blinded struct {
	Element []byte
	blind   fr.Element
}

// Blind hashes msg to the curve and masks it with a fresh random scalar.
func Blind(msg []byte) (*Blinded, error) {
	h, err := bn254.HashToG1(msg, []byte(dstHashToCurve))
	if err != nil {
		return nil, fmt.Errorf("hash to curve: %w", err)
	}
	var r fr.Element
	for {
		if _, err := r.SetRandom(); err != nil {
			return nil, fmt.Errorf("blinding factor: %w", err)
		}
		if !r.IsZero() {
			break
		}
	}
	var rBig big.Int
	r.BigInt(&rBig)
	var b bn254.G1Affine
	b.ScalarMultiplication(&h, &rBig)
	bb := b.Bytes()
	return &Blinded{Element: bb[:], blind: r}, nil
}

// Unblind verifies the evaluation's DLEQ proof against pk and removes the
// blinding factor, yielding the credential signature sk*H(msg).
func (b *Blinded) Unblind(eval *Evaluation, pk *PublicKey) ([]byte, error) {
	if err := VerifyEvaluation(pk, b.Element, eval); err != nil {
		return nil, err
	}
	var z bn254.G1Affine
	if _, err := z.SetBytes(eval.Element); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	var rInv fr.Element
	rInv.Inverse(&b.blind)
	var rInvBig big.Int
	rInv.BigInt(&rInvBig)
	var sig bn254.G1Affine
	sig.ScalarMultiplication(&z, &rInvBig)
	sb := sig.Bytes()
	return sb[:], nil
}

// VerifyEvaluation checks the DLEQ transcript of an evaluation, proving
// the signer used the private key matching pk.
func VerifyEvaluation(pk *PublicKey, blinded []byte, eval *Evaluation) error {
	var b, z bn254.G1Affine
	if _, err := b.SetBytes(blinded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if _, err := z.SetBytes(eval.Element); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return verifyDLEQ(&pk.G1, &b, &z, &eval.Proof)
}

// VerifySignature checks an unblinded credential signature over msg with a
// single pairing check: e(sig, G2) == e(H(msg), pk.G2). It needs no state
// beyond the signer's public key.
func VerifySignature(pk *PublicKey, msg, sig []byte) error {
	var s bn254.G1Affine
	if _, err := s.SetBytes(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	h, err := bn254.HashToG1(msg, []byte(dstHashToCurve))
	if err != nil {
		return fmt.Errorf("hash to curve: %w", err)
	}
	var hNeg bn254.G1Affine
	hNeg.Neg(&h)
	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{s, hNeg},
		[]bn254.G2Affine{g2Gen, pk.G2},
	)
	if err != nil {
		return fmt.Errorf("pairing check: %w", err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// TokenHash derives the opaque spend-tracking hash from a credential. The
// raw token is never stored; only this hash reaches the token store.
func TokenHash(token, sig []byte) []byte {
	h := sha256.New()
	h.Write([]byte("choice-token-hash"))
	h.Write(token)
	h.Write(sig)
	return h.Sum(nil)
}

// Pseudonym derives the per-credential voter pseudonym. It is a function
// of the signature alone, so issuances for different polls are unlinkable.
func Pseudonym(sig []byte) []byte {
	h := sha256.New()
	h.Write([]byte("choice-pseudonym"))
	h.Write(sig)
	return h.Sum(nil)
}

func challenge(pk, b, z, a1, a2 *bn254.G1Affine) (fr.Element, error) {
	var transcript []byte
	for _, p := range []*bn254.G1Affine{pk, b, z, a1, a2} {
		pb := p.Bytes()
		transcript = append(transcript, pb[:]...)
	}
	elems, err := fr.Hash(transcript, []byte(dstChallenge), 1)
	if err != nil {
		return fr.Element{}, fmt.Errorf("challenge hash: %w", err)
	}
	return elems[0], nil
}

func proveDLEQ(sk *fr.Element, pk, b, z *bn254.G1Affine) (*Proof, error) {
	var k fr.Element
	if _, err := k.SetRandom(); err != nil {
		return nil, fmt.Errorf("DLEQ nonce: %w", err)
	}
	var kBig big.Int
	k.BigInt(&kBig)
	var a1, a2 bn254.G1Affine
	a1.ScalarMultiplication(&g1Gen, &kBig)
	a2.ScalarMultiplication(b, &kBig)

	c, err := challenge(pk, b, z, &a1, &a2)
	if err != nil {
		return nil, err
	}
	// s = k - c*sk
	var s fr.Element
	s.Mul(&c, sk)
	s.Sub(&k, &s)
	return &Proof{C: c.Marshal(), S: s.Marshal()}, nil
}

func verifyDLEQ(pk, b, z *bn254.G1Affine, proof *Proof) error {
	var c, s fr.Element
	c.SetBytes(proof.C)
	s.SetBytes(proof.S)
	var cBig, sBig big.Int
	c.BigInt(&cBig)
	s.BigInt(&sBig)

	// a1 = s*G + c*pk ; a2 = s*B + c*Z
	var a1, a2, t bn254.G1Affine
	a1.ScalarMultiplication(&g1Gen, &sBig)
	t.ScalarMultiplication(pk, &cBig)
	a1.Add(&a1, &t)
	a2.ScalarMultiplication(b, &sBig)
	t.ScalarMultiplication(z, &cBig)
	a2.Add(&a2, &t)

	expected, err := challenge(pk, b, z, &a1, &a2)
	if err != nil {
		return err
	}
	if !expected.Equal(&c) {
		return ErrInvalidProof
	}
	return nil
}
