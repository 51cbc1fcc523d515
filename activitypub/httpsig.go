package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

var (
	ErrSignatureMissing = errors.New("signature header missing")
	ErrKeyIDMissing     = errors.New("signature has no keyId")
)

// signedHeaders is the header list for POST deliveries. GET requests carry
// no body and drop the digest.
var (
	signedHeaders    = []string{httpsig.RequestTarget, "host", "date", "digest"}
	signedGetHeaders = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outgoing HTTP request with the given private key
// keyId format: "https://example.com/users/alice#main-key"
// POST requests must already carry a Digest header.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	headers := signedHeaders
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		headers = signedGetHeaders
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request
// Returns the actor URI if valid, error otherwise
func VerifyRequest(req *http.Request, pubKey *rsa.PublicKey) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	keyId := verifier.KeyId()
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return ActorFromKeyID(keyId), nil
}

// ActorFromKeyID strips the key fragment:
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorFromKeyID(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignatureParams are the fields of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// Signs reports whether header is covered by the signature.
func (p SignatureParams) Signs(header string) bool {
	for _, h := range p.Headers {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// ParseSignatureHeader splits a Signature header of the form
// keyId="...",algorithm="...",headers="...",signature="...".
func ParseSignatureHeader(v string) (SignatureParams, error) {
	var p SignatureParams
	if strings.TrimSpace(v) == "" {
		return p, ErrSignatureMissing
	}

	for len(v) > 0 {
		v = strings.TrimLeft(v, " ,")
		eq := strings.IndexByte(v, '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(v[:eq])
		v = v[eq+1:]

		var value string
		if strings.HasPrefix(v, `"`) {
			end := strings.IndexByte(v[1:], '"')
			if end < 0 {
				return p, fmt.Errorf("unterminated value for %s", name)
			}
			value = v[1 : end+1]
			v = v[end+2:]
		} else {
			end := strings.IndexByte(v, ',')
			if end < 0 {
				end = len(v)
			}
			value = strings.TrimSpace(v[:end])
			v = v[end:]
		}

		switch strings.ToLower(name) {
		case "keyid":
			p.KeyID = value
		case "algorithm":
			p.Algorithm = value
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			p.Signature = value
		}
	}

	if p.KeyID == "" {
		return p, ErrKeyIDMissing
	}
	if p.Signature == "" {
		return p, ErrSignatureMissing
	}
	if len(p.Headers) == 0 {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX and
// PKCS1 encodings are seen in the wild.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
