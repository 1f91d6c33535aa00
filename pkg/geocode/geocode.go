package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/rs/zerolog/log"

	"github.com/evtrack/evtrack/pkg/redis_client"
	"github.com/evtrack/evtrack/pkg/util"
)

const defaultEndpoint = "https://nominatim.openstreetmap.org"
const userAgent = "evtrack"

// Coordinates are truncated to 5 decimal places (about a metre) for the cache
// key so a vehicle parked on the same spot resolves from cache.
const cacheKeyFormat = "geocode:%.5f:%.5f"

type cachedAddress struct {
	Place string `json:"place"`
	City  string `json:"city"`
}

// Nominatim reverse geocodes coordinates against an OSM Nominatim instance,
// with resolved addresses cached in Redis for a week.
type Nominatim struct {
	endpoint   string
	httpClient *http.Client

	addressCache *cache.Cache[string]
}

func NewNominatim() *Nominatim {
	geocoder := &Nominatim{
		endpoint:   util.GetEnvDefault("EVTRACK_NOMINATIM_ENDPOINT", defaultEndpoint),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	if redis_client.Client != nil {
		redisStore := redisstore.NewRedis(redis_client.Client, store.WithExpiration(7*24*time.Hour))
		geocoder.addressCache = cache.New[string](redisStore)
	}

	return geocoder
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Road          string `json:"road"`
		Footway       string `json:"footway"`
		Neighbourhood string `json:"neighbourhood"`
		Suburb        string `json:"suburb"`
		Village       string `json:"village"`
		Town          string `json:"town"`
		City          string `json:"city"`
		Municipality  string `json:"municipality"`
	} `json:"address"`
}

func (n *Nominatim) ReverseGeocode(latitude float64, longitude float64) (string, string, error) {
	cacheKey := fmt.Sprintf(cacheKeyFormat, latitude, longitude)

	if n.addressCache != nil {
		if cachedValue, err := n.addressCache.Get(context.Background(), cacheKey); err == nil {
			var address cachedAddress
			if json.Unmarshal([]byte(cachedValue), &address) == nil {
				return address.Place, address.City, nil
			}
		}
	}

	requestURL := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%s&lon=%s",
		n.endpoint,
		url.QueryEscape(fmt.Sprintf("%f", latitude)),
		url.QueryEscape(fmt.Sprintf("%f", longitude)),
	)

	request, err := http.NewRequest("GET", requestURL, nil)
	if err != nil {
		return "", "", err
	}
	request.Header.Set("User-Agent", userAgent)

	response, err := n.httpClient.Do(request)
	if err != nil {
		return "", "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("nominatim returned HTTP %d", response.StatusCode)
	}

	var decoded nominatimResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", "", err
	}

	address := cachedAddress{
		Place: firstNonEmpty(decoded.Address.Road, decoded.Address.Footway, decoded.Address.Neighbourhood, decoded.Address.Suburb),
		City:  firstNonEmpty(decoded.Address.City, decoded.Address.Town, decoded.Address.Village, decoded.Address.Municipality),
	}

	if n.addressCache != nil {
		encoded, _ := json.Marshal(address)
		if err := n.addressCache.Set(context.Background(), cacheKey, string(encoded)); err != nil {
			log.Debug().Err(err).Msg("Failed to cache geocode result")
		}
	}

	return address.Place, address.City, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}
