package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	"github.com/leadwall/bidgate/internal/model"
)

// OpenRTBCaller talks to partners that speak OpenRTB 2.x. The highest priced bid of
// the response is translated into a NativeBid payload.
type OpenRTBCaller struct {
	partner Partner
	client  *http.Client
	retries int
}

func NewOpenRTBCaller(p Partner, client *http.Client, retries int) *OpenRTBCaller {
	return &OpenRTBCaller{partner: p, client: client, retries: retries}
}

type ortbRequest struct {
	ID     string                 `json:"id"`
	Imp    []ortbImp              `json:"imp"`
	Device *ortbDevice            `json:"device,omitempty"`
	User   ortbUser               `json:"user"`
	TMax   int                    `json:"tmax,omitempty"`
	Cur    []string               `json:"cur"`
	Ext    map[string]interface{} `json:"ext,omitempty"`
}

type ortbImp struct {
	ID          string  `json:"id"`
	BidFloor    float64 `json:"bidfloor,omitempty"`
	BidFloorCur string  `json:"bidfloorcur,omitempty"`
}

type ortbDevice struct {
	IP  string   `json:"ip,omitempty"`
	UA  string   `json:"ua,omitempty"`
	Geo *ortbGeo `json:"geo,omitempty"`
}

type ortbGeo struct {
	Zip string `json:"zip"`
}

type ortbUser struct {
	ID string `json:"id"`
}

func buildOpenRTBRequest(req model.BidRequest) ortbRequest {
	out := ortbRequest{
		ID:   req.RequestID,
		Imp:  []ortbImp{{ID: "1", BidFloor: req.FloorPrice}},
		User: ortbUser{ID: req.LeadID},
		TMax: req.TimeoutMs,
		Cur:  []string{"USD"},
		Ext: map[string]interface{}{
			"vertical": req.Vertical,
		},
	}
	if req.FloorPrice > 0 {
		out.Imp[0].BidFloorCur = "USD"
	}
	if len(req.TargetingCriteria) > 0 {
		out.Ext["targeting"] = req.TargetingCriteria
	}
	u := req.UserData
	if u.IP != "" || u.UserAgent != "" || u.ZipCode != "" {
		out.Device = &ortbDevice{IP: u.IP, UA: u.UserAgent}
		if u.ZipCode != "" {
			out.Device.Geo = &ortbGeo{Zip: u.ZipCode}
		}
	}
	return out
}

func (c *OpenRTBCaller) Call(ctx context.Context, req model.BidRequest) model.RawPartnerResponse {
	start := time.Now()
	body, err := json.Marshal(buildOpenRTBRequest(req))
	if err != nil {
		return failed(c.partner.ID, start, err)
	}
	raw, err := post(ctx, c.client, c.partner, req.RequestID, body, c.retries)
	if err != nil {
		return failed(c.partner.ID, start, err)
	}

	payload, err := translateOpenRTB(raw)
	if err != nil {
		// hand the untranslated body on so it is rejected as an invalid bid
		payload = raw
	}
	return model.RawPartnerResponse{
		PartnerID: c.partner.ID,
		ArrivedAt: time.Now(),
		Payload:   payload,
		Latency:   time.Since(start),
	}
}

// translateOpenRTB picks the best bid across all seats. No seatbid means no bid.
func translateOpenRTB(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var best []byte
	bestPrice := 0.0
	_, err := jsonparser.ArrayEach(raw, func(seat []byte, _ jsonparser.ValueType, _ int, _ error) {
		_, _ = jsonparser.ArrayEach(seat, func(bid []byte, _ jsonparser.ValueType, _ int, _ error) {
			price, err := jsonparser.GetFloat(bid, "price")
			if err != nil {
				return
			}
			if best == nil || price > bestPrice {
				best = bid
				bestPrice = price
			}
		}, "bid")
	}, "seatbid")
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return nil, nil
		}
		return nil, err
	}
	if best == nil {
		return nil, nil
	}

	nb := NativeBid{Price: &bestPrice}
	nb.BidID, _ = jsonparser.GetString(best, "id")
	nb.ClickURL = firstString(best, []string{"ext", "clickUrl"}, []string{"nurl"})
	nb.Creative.Headline, _ = jsonparser.GetString(best, "ext", "headline")
	nb.Creative.Description, _ = jsonparser.GetString(best, "ext", "description")
	nb.Creative.ImageURL, _ = jsonparser.GetString(best, "iurl")
	nb.Creative.DisplayURL, _ = jsonparser.GetString(best, "adomain", "[0]")
	if exp, err := jsonparser.GetInt(best, "exp"); err == nil && exp > 0 {
		nb.TTLSeconds = int(exp)
	}

	tracking := map[string]interface{}{}
	if crid, err := jsonparser.GetString(best, "crid"); err == nil && crid != "" {
		tracking["crid"] = crid
	}
	if cid, err := jsonparser.GetString(best, "cid"); err == nil && cid != "" {
		tracking["cid"] = cid
	}
	if burl, err := jsonparser.GetString(best, "burl"); err == nil && burl != "" {
		tracking["burl"] = burl
	}
	if len(tracking) > 0 {
		nb.Tracking = tracking
	}
	return json.Marshal(nb)
}

func firstString(data []byte, paths ...[]string) string {
	for _, path := range paths {
		if v, err := jsonparser.GetString(data, path...); err == nil && v != "" {
			return v
		}
	}
	return ""
}
