// Package inject applies a decrypted upstream credential to an outbound
// request. Four modes manipulate the request directly (bearer, basic,
// header, query); sigv4 delegates to aws-sdk-go-v2's v4.Signer, built from
// static credentials reconstructed per request from the vault-decrypted
// secret rather than the full IAM credential-provider chain, since the
// gateway never runs inside the target AWS account.
package inject

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	gateway "github.com/ailink/egressgw/internal"
)

// PassthroughHeader is copied onto the Authorization header when a token has
// no credential_id configured (passthrough mode): the caller supplies its
// own upstream credential and the gateway only relays it.
const PassthroughHeader = "X-Real-Authorization"

// Apply mutates req in place, applying secret according to mode. secret is
// the vault-decrypted plaintext; for InjectSigV4 it must be
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY". header names the target field: the
// header for InjectHeader, the query parameter for InjectQuery.
func Apply(ctx context.Context, req *http.Request, mode gateway.InjectionMode, secret []byte, header string) error {
	switch mode {
	case gateway.InjectBearer:
		req.Header.Set("Authorization", "Bearer "+string(secret))
		return nil

	case gateway.InjectBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(secret))
		return nil

	case gateway.InjectHeader:
		if header == "" {
			return fmt.Errorf("inject: header mode requires a header name")
		}
		req.Header.Set(header, string(secret))
		return nil

	case gateway.InjectQuery:
		if header == "" {
			return fmt.Errorf("inject: query mode requires a parameter name")
		}
		q := req.URL.Query()
		q.Set(header, string(secret))
		req.URL.RawQuery = q.Encode()
		return nil

	case gateway.InjectSigV4:
		return applySigV4(ctx, req, secret)

	default:
		return fmt.Errorf("inject: unknown injection mode %q", mode)
	}
}

// ApplyPassthrough copies the caller-supplied X-Real-Authorization header
// onto Authorization, used when a token has no credential_id: the gateway
// never decrypts anything in this mode, it only relays what the caller sent.
func ApplyPassthrough(req *http.Request) {
	if v := req.Header.Get(PassthroughHeader); v != "" {
		req.Header.Set("Authorization", v)
		req.Header.Del(PassthroughHeader)
	}
}

// applySigV4 signs req for AWS (Bedrock) using static credentials assembled
// from secret, and a service/region pair parsed from the request host,
// following the "{service}.{region}.amazonaws.com" convention.
func applySigV4(ctx context.Context, req *http.Request, secret []byte) error {
	parts := strings.SplitN(string(secret), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("inject: sigv4 secret must be ACCESS_KEY_ID:SECRET_ACCESS_KEY")
	}
	accessKeyID, secretAccessKey := parts[0], parts[1]

	service, region, err := parseAWSHost(req.URL.Host)
	if err != nil {
		return err
	}

	provider := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("inject: retrieve static credentials: %w", err)
	}

	payloadHash, err := hashPayload(req)
	if err != nil {
		return err
	}

	signer := v4.NewSigner()
	return signer.SignHTTP(ctx, creds, req, payloadHash, service, region, time.Now())
}

// hashPayload buffers and restores the request body so it can both be
// hashed for the signature and still be sent on the wire.
func hashPayload(req *http.Request) (string, error) {
	if req.Body == nil {
		empty := sha256.Sum256(nil)
		return hex.EncodeToString(empty[:]), nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", fmt.Errorf("inject: read body for signing: %w", err)
	}
	req.Body = io.NopCloser(strings.NewReader(string(body)))
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// parseAWSHost extracts {service} and {region} from a bedrock-style host
// such as "bedrock-runtime.us-east-1.amazonaws.com".
func parseAWSHost(host string) (service, region string, err error) {
	host = strings.TrimSuffix(host, ":443")
	labels := strings.Split(host, ".")
	if len(labels) < 4 || labels[len(labels)-2] != "amazonaws" {
		return "", "", fmt.Errorf("inject: host %q is not a recognizable AWS endpoint", host)
	}
	return labels[0], labels[1], nil
}
