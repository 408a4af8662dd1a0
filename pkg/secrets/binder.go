// Package secrets turns backend connection URLs into structured secret
// payloads. URLs embed credentials, so nothing in this package ever logs a
// raw URL; diagnostics go through logging.RedactURL.
package secrets

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	operrors "github.com/materializeinc/environmentd-operator/pkg/errors"
	"github.com/materializeinc/environmentd-operator/pkg/logging"
)

// MetadataBackend holds the parsed parameters of the metadata (catalog)
// backend, a PostgreSQL-compatible database.
type MetadataBackend struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
	// Options carries the query parameters, e.g. sslmode.
	Options map[string]string
}

// PersistBackend holds the parsed parameters of the persist (blob) backend,
// an S3-compatible object store.
type PersistBackend struct {
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
}

// ConnectionPayload is the bound form of both backends, ready to be written
// into the environment's connection secret by the reconciliation engine.
// The binder itself never persists anything.
type ConnectionPayload struct {
	Metadata MetadataBackend
	Persist  PersistBackend
}

// Bind parses both backend URLs. It fails with MalformedBackendURL when a
// scheme or authority cannot be parsed and with MissingCredential when a
// required credential component is absent.
func Bind(metadataURL, persistURL string) (ConnectionPayload, error) {
	metadata, err := ParseMetadataBackendURL(metadataURL)
	if err != nil {
		return ConnectionPayload{}, err
	}
	persist, err := ParsePersistBackendURL(persistURL)
	if err != nil {
		return ConnectionPayload{}, err
	}
	return ConnectionPayload{Metadata: metadata, Persist: persist}, nil
}

// ParseMetadataBackendURL parses a postgres:// connection URL.
func ParseMetadataBackendURL(raw string) (MetadataBackend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		// url.Parse errors quote the raw URL, credentials included, so the
		// parse error itself is never propagated.
		return MetadataBackend{}, operrors.New(operrors.KindMalformedBackendURL,
			"metadata backend URL %s cannot be parsed", logging.RedactURL(raw))
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return MetadataBackend{}, operrors.New(operrors.KindMalformedBackendURL,
			"metadata backend URL %s has unsupported scheme %q", logging.RedactURL(raw), u.Scheme)
	}
	if u.Host == "" {
		return MetadataBackend{}, operrors.New(operrors.KindMalformedBackendURL, "metadata backend URL has no authority")
	}
	if u.User == nil || u.User.Username() == "" {
		return MetadataBackend{}, operrors.New(operrors.KindMissingCredential, "metadata backend URL omits the user")
	}
	password, ok := u.User.Password()
	if !ok || password == "" {
		return MetadataBackend{}, operrors.New(operrors.KindMissingCredential, "metadata backend URL omits the password")
	}

	port := u.Port()
	if port == "" {
		port = "5432"
	}
	backend := MetadataBackend{
		User:     u.User.Username(),
		Password: password,
		Host:     u.Hostname(),
		Port:     port,
		Database: strings.TrimPrefix(u.Path, "/"),
		Options:  map[string]string{},
	}
	if backend.Database == "" {
		return MetadataBackend{}, operrors.New(operrors.KindMalformedBackendURL, "metadata backend URL has no database path")
	}
	for key, values := range u.Query() {
		if len(values) > 0 {
			backend.Options[key] = values[len(values)-1]
		}
	}
	return backend, nil
}

// URL re-serializes the backend into the connection URL form it was parsed
// from. Parsing the result yields the same structured fields.
func (m MetadataBackend) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(m.User, m.Password),
		Host:   m.Host + ":" + m.Port,
		Path:   "/" + m.Database,
	}
	if len(m.Options) > 0 {
		q := url.Values{}
		for k, v := range m.Options {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ParsePersistBackendURL parses an s3:// blob store URL of the form
// s3://ACCESS_KEY:SECRET_KEY@bucket/prefix?endpoint=...&region=....
func ParsePersistBackendURL(raw string) (PersistBackend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PersistBackend{}, operrors.New(operrors.KindMalformedBackendURL,
			"persist backend URL %s cannot be parsed", logging.RedactURL(raw))
	}
	if u.Scheme != "s3" {
		return PersistBackend{}, operrors.New(operrors.KindMalformedBackendURL,
			"persist backend URL %s has unsupported scheme %q", logging.RedactURL(raw), u.Scheme)
	}
	if u.Host == "" {
		return PersistBackend{}, operrors.New(operrors.KindMalformedBackendURL, "persist backend URL has no bucket")
	}
	if u.User == nil || u.User.Username() == "" {
		return PersistBackend{}, operrors.New(operrors.KindMissingCredential, "persist backend URL omits the access key id")
	}
	secret, ok := u.User.Password()
	if !ok || secret == "" {
		return PersistBackend{}, operrors.New(operrors.KindMissingCredential, "persist backend URL omits the secret access key")
	}

	q := u.Query()
	return PersistBackend{
		AccessKeyID:     u.User.Username(),
		SecretAccessKey: secret,
		Bucket:          u.Hostname(),
		Prefix:          strings.TrimPrefix(u.Path, "/"),
		Endpoint:        q.Get("endpoint"),
		Region:          q.Get("region"),
	}, nil
}

// URL re-serializes the persist backend.
func (p PersistBackend) URL() string {
	u := url.URL{
		Scheme: "s3",
		User:   url.UserPassword(p.AccessKeyID, p.SecretAccessKey),
		Host:   p.Bucket,
		Path:   "/" + p.Prefix,
	}
	q := url.Values{}
	if p.Endpoint != "" {
		q.Set("endpoint", p.Endpoint)
	}
	if p.Region != "" {
		q.Set("region", p.Region)
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SecretData flattens the payload into deterministic secret keys. Key order
// does not matter for Secrets, but deterministic content keeps re-applies
// diff-free.
func (cp ConnectionPayload) SecretData() map[string][]byte {
	data := map[string][]byte{
		"metadata_user":             []byte(cp.Metadata.User),
		"metadata_password":         []byte(cp.Metadata.Password),
		"metadata_host":             []byte(cp.Metadata.Host),
		"metadata_port":             []byte(cp.Metadata.Port),
		"metadata_database":         []byte(cp.Metadata.Database),
		"metadata_url":              []byte(cp.Metadata.URL()),
		"persist_access_key_id":     []byte(cp.Persist.AccessKeyID),
		"persist_secret_access_key": []byte(cp.Persist.SecretAccessKey),
		"persist_bucket":            []byte(cp.Persist.Bucket),
		"persist_url":               []byte(cp.Persist.URL()),
	}
	if cp.Persist.Prefix != "" {
		data["persist_prefix"] = []byte(cp.Persist.Prefix)
	}
	if cp.Persist.Endpoint != "" {
		data["persist_endpoint"] = []byte(cp.Persist.Endpoint)
	}
	if cp.Persist.Region != "" {
		data["persist_region"] = []byte(cp.Persist.Region)
	}
	keys := make([]string, 0, len(cp.Metadata.Options))
	for k := range cp.Metadata.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data["metadata_"+k] = []byte(cp.Metadata.Options[k])
	}
	return data
}

// String implements fmt.Stringer with every credential masked so an
// accidental %v of the payload stays safe.
func (cp ConnectionPayload) String() string {
	return fmt.Sprintf("metadata=%s:****@%s:%s/%s persist=s3://%s",
		cp.Metadata.User, cp.Metadata.Host, cp.Metadata.Port, cp.Metadata.Database, cp.Persist.Bucket)
}
