/*
Copyright 2019 The Ceph-CSI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hypervisor implements a typed client over the virtualization
// platform's REST API: node/VM listing, VM config read-modify, and
// storage-content based disk create/delete. It carries no business logic
// of its own; the volume lifecycle orchestration lives in
// internal/proxmoxdriver.
package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// retryMax is the number of retries after the first attempt: 3 attempts
	// in all.
	retryMax     = 2
	retryWaitMin = 300 * time.Millisecond
	retryWaitMax = 4 * time.Second
)

// VM is a single entry of ListVMs.
type VM struct {
	VMID int
	Name string
}

// RESTClient is the authenticated, retrying REST client for a single
// cluster entry. It satisfies Client.
type RESTClient struct {
	baseURL    string // includes /api2/json
	tokenID    string
	tokenSec   string
	httpClient *retryablehttp.Client
}

// NewRESTClient builds a client for one cluster. insecure disables TLS
// certificate verification, for clusters behind self-signed certs.
func NewRESTClient(baseURL, tokenID, tokenSecret string, insecure bool) *RESTClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = nil
	rc.CheckRetry = checkRetry

	if insecure {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec:G402, operator-selected per cluster entry.
		}
		rc.HTTPClient.Transport = transport
	}

	return &RESTClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokenID:    tokenID,
		tokenSec:   tokenSecret,
		httpClient: rc,
	}
}

// checkRetry retries on transport errors and on 5xx status codes, for
// every HTTP method including POST/PUT/DELETE.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}

	return false, nil
}

// do performs an authenticated request against path (relative to baseURL)
// with the given HTTP method and form-encoded body, decoding the Proxmox
// "{data: ...}" envelope into out when non-nil.
func (c *RESTClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := retryablehttp.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrAPI, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.tokenSec))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrAPI, method, path, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: decoding envelope: %v", ErrAPI, err)
	}

	return json.Unmarshal(envelope.Data, out)
}

// sizeToGiBSpec renders sizeBytes as the rounded-up "<n>G" disk size spec
// used by CreateVMDisk. Sizes round up to the next whole GiB, never down.
func sizeToGiBSpec(sizeBytes int64) string {
	const giB = 1 << 30
	gib := (sizeBytes + giB - 1) / giB
	if gib < 1 {
		gib = 1
	}

	return strconv.FormatInt(gib, 10) + "G"
}

// ParseSizeSpec converts a hypervisor size spec ("10G", "512M", "1T") into
// bytes. It is used to read back an existing disk's size, to compare
// against a requested size when CreateVolume finds the disk already
// exists.
func ParseSizeSpec(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("%w: empty size spec", ErrAPI)
	}

	unit := spec[len(spec)-1]
	var mult int64
	switch unit {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	case 'T', 't':
		mult = 1 << 40
	default:
		n, err := strconv.ParseInt(spec, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid size spec %q", ErrAPI, spec)
		}

		return n, nil
	}

	n, err := strconv.ParseInt(spec[:len(spec)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size spec %q", ErrAPI, spec)
	}

	return n * mult, nil
}

// sizeParamFromDescriptor extracts the "size=<spec>" parameter from a
// "<storage>:<disk>,size=<spec>,..." attachment/unused descriptor, as
// written by the hypervisor when it allocates a disk.
func sizeParamFromDescriptor(desc string) (string, bool) {
	for _, kv := range strings.Split(desc, ",") {
		if v, ok := strings.CutPrefix(kv, "size="); ok {
			return v, true
		}
	}

	return "", false
}
