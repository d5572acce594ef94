package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// routeLineChunk caps the ids per route line request to keep URLs short
const routeLineChunk = 100

const (
	cragSelect      = "id,name,latitude,longitude,region_id,description,access_notes,rock_type,type,boundary,regions(name)"
	imageSelect     = "id,crag_id,url,latitude,longitude,is_verified,verification_count,natural_width,natural_height,width,height"
	routeLineSelect = "id,image_id,points,color,image_width,image_height,climbs(id,name,grade,description)"
)

// RESTSource reads crag data from a PostgREST-style HTTP API
type RESTSource struct {
	client  *Client
	baseURL string
	apiKey  string
}

var _ DataSource = (*RESTSource)(nil)

// NewRESTSource builds a source rooted at baseURL (without /rest/v1)
func NewRESTSource(client *Client, baseURL, apiKey string) *RESTSource {
	return &RESTSource{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (s *RESTSource) Crag(ctx context.Context, id string) (*Crag, error) {
	q := url.Values{}
	q.Set("select", cragSelect)
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	body, err := s.query(ctx, "crags", q)
	if err != nil {
		return nil, fmt.Errorf("query crag %s: %w", id, err)
	}

	rows := gjson.ParseBytes(body).Array()
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &Crag{
		ID:          r.Get("id").String(),
		Name:        r.Get("name").String(),
		Lat:         optFloat(r.Get("latitude")),
		Lon:         optFloat(r.Get("longitude")),
		RegionID:    optID(r.Get("region_id")),
		RegionName:  optString(r.Get("regions.name")),
		Description: optString(r.Get("description")),
		AccessNotes: optString(r.Get("access_notes")),
		RockType:    optString(r.Get("rock_type")),
		Discipline:  optString(r.Get("type")),
		Boundary:    rawGeometry(r.Get("boundary")),
	}, nil
}

func (s *RESTSource) Images(ctx context.Context, cragID string) ([]Image, error) {
	q := url.Values{}
	q.Set("select", imageSelect)
	q.Set("crag_id", "eq."+cragID)
	q.Set("order", "created_at.asc,id.asc")

	body, err := s.query(ctx, "images", q)
	if err != nil {
		return nil, fmt.Errorf("query images for %s: %w", cragID, err)
	}

	var images []Image
	for _, r := range gjson.ParseBytes(body).Array() {
		images = append(images, Image{
			ID:                r.Get("id").String(),
			CragID:            r.Get("crag_id").String(),
			URL:               r.Get("url").String(),
			Lat:               optFloat(r.Get("latitude")),
			Lon:               optFloat(r.Get("longitude")),
			Verified:          r.Get("is_verified").Bool(),
			VerificationCount: int(r.Get("verification_count").Int()),
			NaturalWidth:      optInt(r.Get("natural_width")),
			NaturalHeight:     optInt(r.Get("natural_height")),
			Width:             optInt(r.Get("width")),
			Height:            optInt(r.Get("height")),
		})
	}
	return images, nil
}

func (s *RESTSource) RouteLines(ctx context.Context, imageIDs []string) ([]RouteLine, error) {
	var lines []RouteLine
	for start := 0; start < len(imageIDs); start += routeLineChunk {
		end := min(start+routeLineChunk, len(imageIDs))

		q := url.Values{}
		q.Set("select", routeLineSelect)
		q.Set("image_id", "in.("+strings.Join(imageIDs[start:end], ",")+")")

		body, err := s.query(ctx, "route_lines", q)
		if err != nil {
			return nil, fmt.Errorf("query route lines: %w", err)
		}

		for _, r := range gjson.ParseBytes(body).Array() {
			lines = append(lines, RouteLine{
				ID:          r.Get("id").String(),
				ImageID:     r.Get("image_id").String(),
				Points:      ParsePoints(r.Get("points").Raw),
				Color:       r.Get("color").String(),
				ImageWidth:  optInt(r.Get("image_width")),
				ImageHeight: optInt(r.Get("image_height")),
				Climb:       parseClimb(r.Get("climbs")),
			})
		}
	}
	return lines, nil
}

func (s *RESTSource) query(ctx context.Context, table string, q url.Values) ([]byte, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if s.apiKey != "" {
		header.Set("apikey", s.apiKey)
		header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.client.get(ctx, s.baseURL+"/rest/v1/"+table+"?"+q.Encode(), "", header)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(res.Data) {
		return nil, fmt.Errorf("invalid json from %s", table)
	}
	return res.Data, nil
}

// parseClimb accepts the embedded climb as an object or a one-element array
func parseClimb(r gjson.Result) *Climb {
	if r.IsArray() {
		arr := r.Array()
		if len(arr) == 0 {
			return nil
		}
		r = arr[0]
	}
	if !r.IsObject() {
		return nil
	}
	return &Climb{
		ID:          r.Get("id").String(),
		Name:        optString(r.Get("name")),
		Grade:       optString(r.Get("grade")),
		Description: optString(r.Get("description")),
	}
}

func optFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

func optInt(r gjson.Result) *int {
	if r.Type != gjson.Number {
		return nil
	}
	v := int(r.Int())
	return &v
}

func optString(r gjson.Result) *string {
	if r.Type != gjson.String {
		return nil
	}
	v := r.Str
	return &v
}

// optID reads ids that may be served as strings or numbers
func optID(r gjson.Result) *string {
	if r.Type != gjson.String && r.Type != gjson.Number {
		return nil
	}
	v := r.String()
	return &v
}

// rawGeometry returns boundary GeoJSON as raw bytes. Boundaries stored as
// text columns arrive as a JSON string and are unwrapped.
func rawGeometry(r gjson.Result) json.RawMessage {
	switch {
	case r.IsObject() || r.IsArray():
		return json.RawMessage(r.Raw)
	case r.Type == gjson.String && gjson.Valid(r.Str):
		return json.RawMessage(r.Str)
	}
	return nil
}
