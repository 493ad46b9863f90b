// Package signature implements the package signature verifier (C2): a
// SHA-384 streaming integrity digest and an optional asymmetric signature
// check over the unsigned portion of a firmware package, per spec §4.2
// and the version-3 signature block layout in spec §6.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/openbmc-pldm/fwupdated/internal/fwerr"
)

const (
	magicLen    = 4
	minSigSize  = 0x66
	maxSigSize  = 0x68
	versionV3   = 3
	chunkSize   = 32 * 1024
)

var magicV3 = [magicLen]byte{0x5F, 0x32, 0xCB, 0x08}

// Config toggles which of the two independent checks run.
type Config struct {
	RequireIntegrity      bool
	RequireAuthentication bool
	// PublicKeyPEM is the trusted key Authentication verifies against. It
	// is used whether or not the signature block embeds a public key, and
	// Authentication fails when it is empty.
	PublicKeyPEM []byte
}

// Result reports what the verifier actually checked, plus the package's
// content digest for display on the activation surface (spec §6
// digest+algorithm), computed regardless of which checks are enabled.
type Result struct {
	IntegrityChecked      bool
	AuthenticationChecked bool
	Digest                []byte
	Algorithm             string
}

// digestAlgorithmName is the one digest algorithm this package format
// uses (spec §6), reported alongside Result.Digest.
const digestAlgorithmName = "sha384"

// Header is the parsed version-3 signature block (spec §6).
type Header struct {
	Major             uint8
	Minor             uint8
	SecurityVersion   uint8
	OffsetToSignature uint16
	PayloadSize       uint32
	SignatureType     uint8
	OffsetToPublicKey uint16
	PublicKey         []byte
	Signature         []byte
}

// Verifier checks a package stream against Config.
type Verifier struct {
	cfg Config
}

func New(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// Check runs the integrity and/or authentication checks over r, which
// must contain payloadSize bytes of signed data optionally followed by a
// trailing signature block.
func (v *Verifier) Check(r io.ReadSeeker, payloadSize int64) (Result, error) {
	var res Result

	digest, err := streamingDigest(r, payloadSize)
	if err != nil {
		return res, fwerr.New(fwerr.PackageInvalid, "signature", err)
	}
	res.Digest = digest
	res.Algorithm = digestAlgorithmName

	size, err := streamLength(r)
	if err != nil {
		return res, fwerr.New(fwerr.PackageInvalid, "signature", err)
	}

	if size == payloadSize {
		// No trailing signature block present.
		if v.cfg.RequireIntegrity || v.cfg.RequireAuthentication {
			return res, fwerr.New(fwerr.PackageInvalid, "signature", fmt.Errorf("signature required but absent"))
		}
		return res, nil
	}

	hdr, err := readHeader(r, payloadSize)
	if err != nil {
		return res, fwerr.New(fwerr.PackageInvalid, "signature", err)
	}

	signedLength := payloadSize + headerFixedSize + int64(len(hdr.PublicKey))

	if v.cfg.RequireIntegrity {
		if err := v.checkIntegrity(r, signedLength, hdr); err != nil {
			return res, fwerr.New(fwerr.PackageInvalid, "signature", err)
		}
		res.IntegrityChecked = true
	}

	if v.cfg.RequireAuthentication {
		if err := v.checkAuthentication(r, signedLength, hdr); err != nil {
			return res, fwerr.New(fwerr.PackageInvalid, "signature", err)
		}
		res.AuthenticationChecked = true
	}

	return res, nil
}

// headerFixedSize is the version-3 header size up to and including the
// 2-byte public-key length prefix, excluding the variable-length public
// key itself and the separately length-prefixed signature.
const headerFixedSize = magicLen + 1 + 1 + 1 + 2 + 4 + 1 + 2 + 2

func readHeader(r io.ReadSeeker, payloadSize int64) (*Header, error) {
	if _, err := r.Seek(payloadSize, io.SeekStart); err != nil {
		return nil, err
	}

	fixed := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("reading signature header: %w", err)
	}

	var magic [magicLen]byte
	copy(magic[:], fixed[0:4])
	if magic != magicV3 {
		return nil, fmt.Errorf("bad signature magic")
	}

	h := &Header{
		Major:             fixed[4],
		Minor:             fixed[5],
		SecurityVersion:   fixed[6],
		OffsetToSignature: binary.BigEndian.Uint16(fixed[7:9]),
		PayloadSize:       binary.BigEndian.Uint32(fixed[9:13]),
		SignatureType:     fixed[13],
		OffsetToPublicKey: binary.BigEndian.Uint16(fixed[14:16]),
	}

	if h.Major != versionV3 {
		return nil, fmt.Errorf("unsupported signature version %d", h.Major)
	}
	if h.SignatureType != 0 {
		return nil, fmt.Errorf("unsupported signature type %d", h.SignatureType)
	}

	pubKeyLen := binary.BigEndian.Uint16(fixed[16:18])

	pubKey := make([]byte, pubKeyLen)
	if pubKeyLen > 0 {
		if _, err := io.ReadFull(r, pubKey); err != nil {
			return nil, fmt.Errorf("reading embedded public key: %w", err)
		}
	}
	h.PublicKey = pubKey

	var sigLen16 [2]byte
	if _, err := io.ReadFull(r, sigLen16[:]); err != nil {
		return nil, fmt.Errorf("reading signature length: %w", err)
	}
	sigLen := binary.BigEndian.Uint16(sigLen16[:])
	if int(sigLen) < minSigSize || int(sigLen) > maxSigSize {
		return nil, fmt.Errorf("signature size %d out of bounds [%#x,%#x]", sigLen, minSigSize, maxSigSize)
	}

	sig := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, fmt.Errorf("reading signature: %w", err)
	}
	h.Signature = sig

	return h, nil
}

// checkIntegrity verifies the signature against the public key embedded in
// the package's own signature block: it proves the payload matches what
// was signed at build time (catches corruption/tampering), not who signed
// it -- matching PackageSignature::integrityCheck in
// original_source/fw-update/package_signature.cpp, which verifies against
// publicKeyData parsed straight out of the package.
func (v *Verifier) checkIntegrity(r io.ReadSeeker, signedLength int64, hdr *Header) error {
	digest, err := streamingDigest(r, signedLength)
	if err != nil {
		return err
	}
	if len(hdr.PublicKey) == 0 {
		return fmt.Errorf("no public key embedded in signature block")
	}
	if err := verifySignature(hdr.PublicKey, digest, hdr.Signature); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	return nil
}

// checkAuthentication verifies the signature against the operator's own
// trusted key (Config.PublicKeyPEM), proving the package was signed by a
// party this agent actually trusts, independent of whatever key the
// package happens to embed.
func (v *Verifier) checkAuthentication(r io.ReadSeeker, signedLength int64, hdr *Header) error {
	digest, err := streamingDigest(r, signedLength)
	if err != nil {
		return err
	}
	if len(v.cfg.PublicKeyPEM) == 0 {
		return fmt.Errorf("no trusted public key configured")
	}
	if err := verifySignature(v.cfg.PublicKeyPEM, digest, hdr.Signature); err != nil {
		return fmt.Errorf("authentication check: %w", err)
	}
	return nil
}

func verifySignature(keyPEM, digest, sig []byte) error {
	block, _ := pem.Decode(keyPEM)
	var der []byte
	if block != nil {
		der = block.Bytes
	} else {
		der = keyPEM
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA384, digest, sig); err != nil {
			return fmt.Errorf("rsa signature verification failed: %w", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return fmt.Errorf("ecdsa signature verification failed")
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	return nil
}

func streamingDigest(r io.ReadSeeker, length int64) ([]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h := sha512.New384()
	remaining := length
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(r, buf[:n])
		if err != nil {
			return nil, fmt.Errorf("digest read: %w", err)
		}
		h.Write(buf[:read])
		remaining -= int64(read)
	}
	return h.Sum(nil), nil
}

func streamLength(r io.ReadSeeker) (int64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
