// Package discovery implements the SIWE challenge/response HTTP protocol
// against the discovery service: request a nonce, sign it, and exchange
// the signature for an access bundle.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/compute-node/pkg/auth"
	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/types"
)

// Client talks to the discovery service's /internal/v1/auth/siwe/request
// and /verify endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *auth.ChallengeSigner
}

// New builds a discovery Client rooted at baseURL.
func New(baseURL string, signer *auth.ChallengeSigner, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient, signer: signer}
}

type nonceResponse struct {
	Domain    string   `json:"domain"`
	Nonce     string   `json:"nonce"`
	IssuedAt  string   `json:"issuedAt"`
	ChainID   int64    `json:"chainId"`
	URI       string   `json:"uri"`
	Version   string   `json:"version"`
	Resources []string `json:"resources,omitempty"`
}

type nonceRequest struct {
	Wallet string `json:"wallet"`
}

type verifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

type verifyResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	DomainID    string `json:"domain_id"`
}

// Reauthenticate implements auth.Reauthenticator: it runs the full
// request-nonce -> sign -> verify round trip and returns the resulting
// AccessBundle.
func (c *Client) Reauthenticate(ctx context.Context) (types.AccessBundle, error) {
	meta, err := c.requestNonce(ctx)
	if err != nil {
		return types.AccessBundle{}, err
	}

	message, signature, err := c.signer.SignRequestMeta(meta)
	if err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.LocalLogic, "sign siwe challenge", err)
	}

	return c.verify(ctx, message, signature)
}

func (c *Client) requestNonce(ctx context.Context) (types.SiweRequestMeta, error) {
	body, err := json.Marshal(nonceRequest{Wallet: c.signer.Address()})
	if err != nil {
		return types.SiweRequestMeta{}, cnerrors.Wrap(cnerrors.LocalLogic, "encode nonce request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/auth/siwe/request", bytes.NewReader(body))
	if err != nil {
		return types.SiweRequestMeta{}, cnerrors.Wrap(cnerrors.LocalLogic, "build nonce request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.SiweRequestMeta{}, cnerrors.Wrap(cnerrors.TransportTransient, "request nonce", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.SiweRequestMeta{}, cnerrors.New(cnerrors.TransportTerminal, fmt.Sprintf("nonce request returned %d", resp.StatusCode))
	}

	var nr nonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return types.SiweRequestMeta{}, cnerrors.Wrap(cnerrors.TransportTerminal, "decode nonce response", err)
	}

	issuedAt, err := time.Parse(time.RFC3339, nr.IssuedAt)
	if err != nil {
		return types.SiweRequestMeta{}, cnerrors.Wrap(cnerrors.TransportTerminal, "parse issuedAt", err)
	}

	return types.SiweRequestMeta{
		Domain:    nr.Domain,
		Nonce:     nr.Nonce,
		IssuedAt:  issuedAt,
		ChainID:   nr.ChainID,
		URI:       nr.URI,
		Version:   nr.Version,
		Resources: nr.Resources,
	}, nil
}

func (c *Client) verify(ctx context.Context, message, signature string) (types.AccessBundle, error) {
	body, err := json.Marshal(verifyRequest{Message: message, Signature: signature, Address: c.signer.Address()})
	if err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.LocalLogic, "encode verify request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/auth/siwe/verify", bytes.NewReader(body))
	if err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.LocalLogic, "build verify request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.TransportTransient, "verify siwe signature", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return types.AccessBundle{}, cnerrors.New(cnerrors.TransportTransient, fmt.Sprintf("verify returned %d", resp.StatusCode))
	default:
		return types.AccessBundle{}, cnerrors.New(cnerrors.TransportTerminal, fmt.Sprintf("verify returned %d", resp.StatusCode))
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.TransportTerminal, "decode verify response", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, vr.ExpiresAt)
	if err != nil {
		return types.AccessBundle{}, cnerrors.Wrap(cnerrors.TransportTerminal, "parse verify expires_at", err)
	}

	return types.AccessBundle{
		Bearer:     types.Bearer{Token: vr.AccessToken, ExpiresAt: expiresAt},
		DomainID:   vr.DomainID,
		WalletAddr: c.signer.Address(),
	}, nil
}
