package geo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"safenest-geofence/internal/models"
)

// 地球平均半径（米）
const earthRadiusMeters = 6371000.0

var (
	// ErrInvalidGeometry 区域几何定义非法（半径 <= 0 或多边形顶点 < 3）
	ErrInvalidGeometry = errors.New("invalid zone geometry")

	// ErrStaleFix 乱序定位（captured_at 早于该用户上次判定的定位），丢弃不重试
	ErrStaleFix = errors.New("stale position fix")
)

// HaversineDistance 计算两点间大圆距离（米）
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// InitialBearing 计算从点1指向点2的初始方位角（度，0~360）
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// ValidateZone 校验区域几何定义
func ValidateZone(zone *models.Zone) error {
	if zone.RadiusMeters <= 0 {
		return fmt.Errorf("%w: zone %s radius %.1f", ErrInvalidGeometry, zone.ZoneID, zone.RadiusMeters)
	}
	if zone.RadiusMeters < models.MinRadiusMeters || zone.RadiusMeters > models.MaxRadiusMeters {
		return fmt.Errorf("%w: zone %s radius %.1f out of range [%d, %d]",
			ErrInvalidGeometry, zone.ZoneID, zone.RadiusMeters, models.MinRadiusMeters, models.MaxRadiusMeters)
	}
	if len(zone.Polygon) > 0 && len(zone.Polygon) < 3 {
		return fmt.Errorf("%w: zone %s polygon has %d vertices", ErrInvalidGeometry, zone.ZoneID, len(zone.Polygon))
	}
	return nil
}

// DistanceToCenter 计算定位到区域中心的距离（米）
func DistanceToCenter(fix *models.PositionFix, zone *models.Zone) float64 {
	return HaversineDistance(fix.Latitude, fix.Longitude, zone.CenterLat, zone.CenterLon)
}

// IsInside 判定定位是否在区域内
// 有精确多边形边界时使用射线法，否则退化为圆形判定
func IsInside(fix *models.PositionFix, zone *models.Zone) (bool, error) {
	if err := ValidateZone(zone); err != nil {
		return false, err
	}

	if len(zone.Polygon) >= 3 {
		return pointInPolygon(fix.Latitude, fix.Longitude, zone.Polygon), nil
	}

	return DistanceToCenter(fix, zone) <= zone.RadiusMeters, nil
}

// pointInPolygon 射线法判定点是否在多边形内
// 纬度/经度按平面坐标处理，区域尺度（<= 5km）下误差可忽略
func pointInPolygon(lat, lon float64, polygon []models.LatLon) bool {
	inside := false
	n := len(polygon)
	j := n - 1
	for i := 0; i < n; i++ {
		vi := polygon[i]
		vj := polygon[j]
		if (vi.Lat > lat) != (vj.Lat > lat) {
			intersectLon := vj.Lon + (lat-vj.Lat)/(vi.Lat-vj.Lat)*(vi.Lon-vj.Lon)
			if lon < intersectLon {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// DeriveMotion 由相邻两次定位推导速度（km/h）和朝向（度）
// 时间差 <= 0 或超过有效期阈值时返回 nil（避免除零和物理上不可能的速度尖峰）
func DeriveMotion(prev, cur *models.PositionFix, staleness time.Duration) (speedKmh, headingDeg *float64) {
	if prev == nil || cur == nil {
		return nil, nil
	}

	elapsed := cur.CapturedAt.Sub(prev.CapturedAt)
	if elapsed <= 0 {
		return nil, nil
	}
	if staleness > 0 && elapsed > staleness {
		return nil, nil
	}

	distance := HaversineDistance(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	speed := distance / elapsed.Seconds() * 3.6
	heading := InitialBearing(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)

	return &speed, &heading
}

// CheckFixOrder 校验定位顺序
// 定位早于或等于该用户上次判定的定位时间时返回 ErrStaleFix
func CheckFixOrder(cur *models.PositionFix, lastCapturedAt time.Time) error {
	if !lastCapturedAt.IsZero() && !cur.CapturedAt.After(lastCapturedAt) {
		return fmt.Errorf("%w: fix %s captured at %s, last evaluated at %s",
			ErrStaleFix, cur.FixID, cur.CapturedAt.Format(time.RFC3339), lastCapturedAt.Format(time.RFC3339))
	}
	return nil
}
