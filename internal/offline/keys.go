package offline

import "strings"

const mapKeyPrefix = "offline://crag-map/"

// CragPagePath is the site path of a crag's detail page, also its cache key
func CragPagePath(cragID string) string {
	return "/crags/" + cragID
}

// ImagePagePath is the site path of a photograph's detail page
func ImagePagePath(imageID string) string {
	return "/image/" + imageID
}

// MapKey is the cache key of a crag's map screenshot
func MapKey(cragID string) string {
	return mapKeyPrefix + cragID + ".png"
}

// IsMapKey reports whether key names a map screenshot
func IsMapKey(key string) bool {
	return strings.HasPrefix(key, mapKeyPrefix)
}

// pagePaths lists the crag page followed by every image page
func pagePaths(cragID string, imageIDs []string) []string {
	paths := make([]string, 0, len(imageIDs)+1)
	paths = append(paths, CragPagePath(cragID))
	for _, id := range imageIDs {
		paths = append(paths, ImagePagePath(id))
	}
	return paths
}
