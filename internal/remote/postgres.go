package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads crag data straight from the service database
type PostgresSource struct {
	pool *pgxpool.Pool
}

var _ DataSource = (*PostgresSource)(nil)

// OpenPostgres opens a connection pool for dsn
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSource, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresSource) Close() {
	s.pool.Close()
}

func (s *PostgresSource) Crag(ctx context.Context, id string) (*Crag, error) {
	var (
		c        Crag
		boundary *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT c.id::text, c.name, c.latitude, c.longitude, c.region_id::text, r.name,
		       c.description, c.access_notes, c.rock_type, c.type, c.boundary::text
		FROM crags c
		LEFT JOIN regions r ON r.id = c.region_id
		WHERE c.id::text = $1
	`, id).Scan(&c.ID, &c.Name, &c.Lat, &c.Lon, &c.RegionID, &c.RegionName,
		&c.Description, &c.AccessNotes, &c.RockType, &c.Discipline, &boundary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query crag %s: %w", id, err)
	}
	if boundary != nil {
		c.Boundary = json.RawMessage(*boundary)
	}
	return &c, nil
}

func (s *PostgresSource) Images(ctx context.Context, cragID string) ([]Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, crag_id::text, url, latitude, longitude,
		       COALESCE(is_verified, false), COALESCE(verification_count, 0),
		       natural_width, natural_height, width, height
		FROM images
		WHERE crag_id::text = $1
		ORDER BY created_at, id
	`, cragID)
	if err != nil {
		return nil, fmt.Errorf("query images for %s: %w", cragID, err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query images for %s: %w", cragID, err)
	}
	return images, nil
}

// scanImage reads one images row. A NULL url becomes "", as the REST
// source reports it.
func scanImage(row pgx.Row) (Image, error) {
	var img Image
	var url *string
	if err := row.Scan(&img.ID, &img.CragID, &url, &img.Lat, &img.Lon,
		&img.Verified, &img.VerificationCount,
		&img.NaturalWidth, &img.NaturalHeight, &img.Width, &img.Height); err != nil {
		return Image{}, fmt.Errorf("scan image: %w", err)
	}
	if url != nil {
		img.URL = *url
	}
	return img, nil
}

func (s *PostgresSource) RouteLines(ctx context.Context, imageIDs []string) ([]RouteLine, error) {
	if len(imageIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT rl.id::text, rl.image_id::text, rl.points::text, COALESCE(rl.color, ''),
		       rl.image_width, rl.image_height,
		       cl.id::text, cl.name, cl.grade, cl.description
		FROM route_lines rl
		LEFT JOIN climbs cl ON cl.id = rl.climb_id
		WHERE rl.image_id::text = ANY($1)
	`, imageIDs)
	if err != nil {
		return nil, fmt.Errorf("query route lines: %w", err)
	}
	defer rows.Close()

	var lines []RouteLine
	for rows.Next() {
		var (
			rl      RouteLine
			points  *string
			climbID *string
			climb   Climb
		)
		if err := rows.Scan(&rl.ID, &rl.ImageID, &points, &rl.Color,
			&rl.ImageWidth, &rl.ImageHeight,
			&climbID, &climb.Name, &climb.Grade, &climb.Description); err != nil {
			return nil, fmt.Errorf("scan route line: %w", err)
		}
		if points != nil {
			rl.Points = ParsePoints(*points)
		}
		if climbID != nil {
			climb.ID = *climbID
			rl.Climb = &climb
		}
		lines = append(lines, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query route lines: %w", err)
	}
	return lines, nil
}
