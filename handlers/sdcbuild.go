package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wikimedia/commons-curator/sdc"
)

// Wikidata properties used when deriving SDC for an uploaded image.
const (
	PropDepicts         = "P180"
	PropCreator         = "P170"
	PropAuthorName      = "P2093"
	PropURL             = "P2699"
	PropInception       = "P571"
	PropSourceOfFile    = "P7482"
	PropOperator        = "P137"
	PropDescribedAtURL  = "P973"
	PropCoordinates     = "P625"
	PropHeading         = "P7787"
	PropLicense         = "P275"
	PropCopyrightStatus = "P6216"
)

// Entities referenced by the builders.
const (
	EntityFileAvailableOnInternet = "Q74228490"
	EntityCopyrighted             = "Q50423863"
	EarthGlobe                    = "http://www.wikidata.org/entity/Q2"
	GregorianCalendar             = "http://www.wikidata.org/entity/Q1985727"
	UnitDegree                    = "http://www.wikidata.org/entity/Q28390"
)

func entityValue(id string) *sdc.DataValue {
	numeric, _ := strconv.ParseInt(strings.TrimPrefix(id, "Q"), 10, 64)
	return &sdc.DataValue{
		Type:  sdc.TypeWikibaseEntity,
		Value: sdc.EntityIDValue{EntityType: "item", NumericID: numeric, ID: id},
	}
}

func stringValue(s string) *sdc.DataValue {
	return &sdc.DataValue{Type: sdc.TypeString, Value: sdc.StringValue(s)}
}

func valueSnak(property string, dv *sdc.DataValue) sdc.Snak {
	return sdc.Snak{SnakType: sdc.SnakValue, Property: property, DataValue: dv}
}

func statement(mainsnak sdc.Snak) sdc.Statement {
	return sdc.Statement{MainSnak: mainsnak, Type: "statement", Rank: sdc.RankNormal}
}

// NewDepicts builds a depicts (P180) statement for a Q-id.
func NewDepicts(entityID string) sdc.Statement {
	return statement(valueSnak(PropDepicts, entityValue(entityID)))
}

// NewInception builds an inception (P571) statement at day precision.
func NewInception(taken time.Time) sdc.Statement {
	return statement(valueSnak(PropInception, &sdc.DataValue{
		Type: sdc.TypeTime,
		Value: sdc.TimeValue{
			Time:          fmt.Sprintf("+%sT00:00:00Z", taken.UTC().Format("2006-01-02")),
			Precision:     11,
			CalendarModel: GregorianCalendar,
		},
	}))
}

// NewCoordinates builds a coordinate-location (P625) statement. When
// heading is non-nil, a compass heading (P7787) qualifier is attached.
func NewCoordinates(lat, lon float64, heading *float64) sdc.Statement {
	s := statement(valueSnak(PropCoordinates, &sdc.DataValue{
		Type: sdc.TypeGlobeCoordinate,
		Value: sdc.GlobeCoordinateValue{
			Latitude:  lat,
			Longitude: lon,
			Precision: sdc.Float(0.0001),
			Globe:     EarthGlobe,
		},
	}))
	if heading != nil {
		s.Qualifiers = map[string][]sdc.Snak{
			PropHeading: {valueSnak(PropHeading, &sdc.DataValue{
				Type: sdc.TypeQuantity,
				Value: sdc.QuantityValue{
					Amount: fmt.Sprintf("%+g", *heading),
					Unit:   UnitDegree,
				},
			})},
		}
		s.QualifiersOrder = []string{PropHeading}
	}
	return s
}

// NewCreator builds a creator (P170) statement. Providers rarely map to a
// Wikidata person, so the creator is expressed as a somevalue snak with
// author-name-string and profile-URL qualifiers — the convention Commons
// uses for external photographers.
func NewCreator(creator ImageCreator) sdc.Statement {
	s := sdc.Statement{
		MainSnak: sdc.Snak{SnakType: sdc.SnakSome, Property: PropCreator},
		Type:     "statement",
		Rank:     sdc.RankNormal,
	}
	qualifiers, order := sdc.MergeQualifiers(nil, nil, creatorQualifiers(creator))
	s.Qualifiers = qualifiers
	s.QualifiersOrder = order
	return s
}

func creatorQualifiers(creator ImageCreator) []sdc.Snak {
	snaks := []sdc.Snak{valueSnak(PropAuthorName, stringValue(creator.Username))}
	if creator.ProfileURL != "" {
		snaks = append(snaks, valueSnak(PropURL, stringValue(creator.ProfileURL)))
	}
	return snaks
}

// NewSource builds a source-of-file (P7482) statement marking the file as
// available on the internet, qualified with the operator entity and the
// provider page URL.
func NewSource(operatorEntity, pageURL string) sdc.Statement {
	s := statement(valueSnak(PropSourceOfFile, entityValue(EntityFileAvailableOnInternet)))
	snaks := []sdc.Snak{valueSnak(PropOperator, entityValue(operatorEntity))}
	if pageURL != "" {
		snaks = append(snaks, valueSnak(PropDescribedAtURL, stringValue(pageURL)))
	}
	s.Qualifiers, s.QualifiersOrder = sdc.MergeQualifiers(nil, nil, snaks)
	return s
}

// NewLicense builds license (P275) and copyright-status (P6216)
// statements for a license entity.
func NewLicense(licenseEntity string) []sdc.Statement {
	return []sdc.Statement{
		statement(valueSnak(PropLicense, entityValue(licenseEntity))),
		statement(valueSnak(PropCopyrightStatus, entityValue(EntityCopyrighted))),
	}
}

// NewPhotoID builds the provider photo-id statement for the property the
// provider owns on Wikidata (e.g. Mapillary ID).
func NewPhotoID(property, imageID string) sdc.Statement {
	return statement(valueSnak(property, stringValue(imageID)))
}

// FetchImagesBatch resolves metadata for a batch of image ids through a
// handler. An empty batch short-circuits to an empty map without touching
// the provider.
func FetchImagesBatch(ctx context.Context, h Handler, imageIDs []string) (map[string]MediaImage, error) {
	images := make(map[string]MediaImage, len(imageIDs))
	for _, id := range imageIDs {
		img, err := h.FetchImageMetadata(ctx, id, "")
		if err != nil {
			return nil, err
		}
		images[id] = img
	}
	return images, nil
}
