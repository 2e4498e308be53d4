package database

import (
	"net"
	"strings"
	"sync"

	"reachwatch/internal/support"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const unknownCountry = "N/A"

var (
	countryDB     *geoip2.Reader
	countryDBOnce sync.Once
	geoLiteMu     sync.RWMutex
)

// loadCountryDB opens the GeoLite2 country database named by GEOLITE_COUNTRY_DB.
// A missing path leaves lookups answering "N/A".
func loadCountryDB() {
	countryDBOnce.Do(func() {
		path := strings.TrimSpace(support.GetEnv("GEOLITE_COUNTRY_DB", ""))
		if path == "" {
			log.Debug("GeoLite country database not configured")
			return
		}

		reader, err := geoip2.Open(path)
		if err != nil {
			log.Warn("GeoLite country database unavailable", "path", path, "error", err)
			return
		}

		geoLiteMu.Lock()
		countryDB = reader
		geoLiteMu.Unlock()
		log.Info("GeoLite country database loaded", "path", path)
	})
}

// ReloadCountryDB reopens GEOLITE_COUNTRY_DB, replacing the open reader.
func ReloadCountryDB() error {
	loadCountryDB()

	path := strings.TrimSpace(support.GetEnv("GEOLITE_COUNTRY_DB", ""))
	if path == "" {
		return nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return err
	}

	geoLiteMu.Lock()
	previous := countryDB
	countryDB = reader
	geoLiteMu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

func GetCountryCode(ipAddress string) string {
	loadCountryDB()

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return unknownCountry
	}

	geoLiteMu.RLock()
	defer geoLiteMu.RUnlock()
	if countryDB == nil {
		return unknownCountry
	}

	record, err := countryDB.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return unknownCountry
	}
	return record.Country.IsoCode
}

func CloseGeoLite() {
	geoLiteMu.Lock()
	defer geoLiteMu.Unlock()
	if countryDB != nil {
		_ = countryDB.Close()
		countryDB = nil
	}
}
