package dnsprovider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/ovh/go-ovh/ovh"
	"go.uber.org/zap"
)

const (
	ovhDefaultEndpoint = "ovh-eu"
	ovhRecordTTL       = 60
)

type ovhRecordRequest struct {
	FieldType string `json:"fieldType"`
	SubDomain string `json:"subDomain"`
	Target    string `json:"target"`
	TTL       int    `json:"ttl"`
}

type ovhRecord struct {
	ID        int64  `json:"id"`
	Zone      string `json:"zone"`
	SubDomain string `json:"subDomain"`
	FieldType string `json:"fieldType"`
	Target    string `json:"target"`
}

// OVHProvider talks to the OVH zone API directly. Record IDs returned on create are
// remembered so cleanup deletes exactly what was added.
type OVHProvider struct {
	client   *ovh.Client
	findZone func(fqdn string) (string, error)

	mu      sync.Mutex
	records map[string]int64
}

// NewOVH expects "appKey:appSecret:consumerKey", optionally followed by
// "@endpoint" where endpoint is an OVH endpoint name or API URL.
func NewOVH(apiKey string) (Provider, error) {
	endpoint := ovhDefaultEndpoint
	creds := apiKey
	if i := strings.LastIndex(apiKey, "@"); i >= 0 {
		creds, endpoint = apiKey[:i], apiKey[i+1:]
	}
	parts := strings.Split(creds, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: ovh expects appKey:appSecret:consumerKey[@endpoint]", ErrInvalidCredentials)
	}

	client, err := ovh.NewClient(endpoint, parts[0], parts[1], parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ovh: %v", ErrInvalidCredentials, err)
	}
	return newOVHProvider(client, dns01.FindZoneByFqdn), nil
}

func newOVHProvider(client *ovh.Client, findZone func(string) (string, error)) *OVHProvider {
	return &OVHProvider{client: client, findZone: findZone, records: make(map[string]int64)}
}

func (p *OVHProvider) Name() string { return "ovh" }

func (p *OVHProvider) CreateRecord(ctx context.Context, rec Record) error {
	zone, sub, err := p.split(rec.FQDN)
	if err != nil {
		return err
	}

	var created ovhRecord
	body := ovhRecordRequest{FieldType: "TXT", SubDomain: sub, Target: rec.Value, TTL: ovhRecordTTL}
	if err := p.client.PostWithContext(ctx, "/domain/zone/"+zone+"/record", body, &created); err != nil {
		return fmt.Errorf("dnsprovider: ovh: failed to create TXT record %s: %w", rec.FQDN, err)
	}

	p.mu.Lock()
	p.records[recordKey(rec)] = created.ID
	p.mu.Unlock()

	if err := p.refresh(ctx, zone); err != nil {
		return err
	}
	logger.Debug("OVH TXT record created", zap.String("zone", zone), zap.String("subDomain", sub), zap.Int64("id", created.ID))
	return nil
}

func (p *OVHProvider) RemoveRecord(ctx context.Context, rec Record) error {
	zone, sub, err := p.split(rec.FQDN)
	if err != nil {
		return err
	}

	p.mu.Lock()
	id, ok := p.records[recordKey(rec)]
	delete(p.records, recordKey(rec))
	p.mu.Unlock()

	ids := []int64{id}
	if !ok {
		// Created by another process; find it by name and value.
		ids, err = p.lookup(ctx, zone, sub, rec.Value)
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		if err := p.client.DeleteWithContext(ctx, fmt.Sprintf("/domain/zone/%s/record/%d", zone, id), nil); err != nil {
			return fmt.Errorf("dnsprovider: ovh: failed to delete TXT record %d in %s: %w", id, zone, err)
		}
	}
	return p.refresh(ctx, zone)
}

func (p *OVHProvider) lookup(ctx context.Context, zone, sub, value string) ([]int64, error) {
	q := url.Values{"fieldType": {"TXT"}, "subDomain": {sub}}
	var candidates []int64
	if err := p.client.GetWithContext(ctx, "/domain/zone/"+zone+"/record?"+q.Encode(), &candidates); err != nil {
		return nil, fmt.Errorf("dnsprovider: ovh: failed to list TXT records for %s.%s: %w", sub, zone, err)
	}

	var matched []int64
	for _, id := range candidates {
		var r ovhRecord
		if err := p.client.GetWithContext(ctx, fmt.Sprintf("/domain/zone/%s/record/%d", zone, id), &r); err != nil {
			return nil, fmt.Errorf("dnsprovider: ovh: failed to read TXT record %d: %w", id, err)
		}
		if strings.Trim(r.Target, `"`) == value {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

func (p *OVHProvider) refresh(ctx context.Context, zone string) error {
	if err := p.client.PostWithContext(ctx, "/domain/zone/"+zone+"/refresh", nil, nil); err != nil {
		return fmt.Errorf("dnsprovider: ovh: failed to refresh zone %s: %w", zone, err)
	}
	return nil
}

// split returns the OVH zone name and the record's label relative to it.
func (p *OVHProvider) split(fqdn string) (string, string, error) {
	authZone, err := p.findZone(fqdn)
	if err != nil {
		return "", "", fmt.Errorf("dnsprovider: ovh: failed to find zone for %s: %w", fqdn, err)
	}
	zone := dns01.UnFqdn(authZone)
	name := dns01.UnFqdn(fqdn)
	if !strings.HasSuffix(name, "."+zone) {
		return "", "", fmt.Errorf("dnsprovider: ovh: %s is not inside zone %s", fqdn, zone)
	}
	return zone, strings.TrimSuffix(name, "."+zone), nil
}

func recordKey(rec Record) string {
	return rec.FQDN + "|" + rec.Value
}
