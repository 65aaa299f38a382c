package gen

import (
	"database/sql"

	"github.com/folio-ai/folio/errors"
)

// Store handles persistence of generation records
type Store struct {
	db *sql.DB
}

// NewStore creates a new generation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const generationColumns = `
	id, portfolio_id, generation_type,
	prompt, negative_prompt, width, height, seed, steps, cfg_scale, sampler, scheduler,
	status, progress, error_message,
	image_path, thumbnail_path, video_path,
	parent_id, source_generation_id,
	workflow_id, model_filename, lora_filename,
	mask_path, denoising_strength, grow_mask_by,
	upscale_factor, upscale_model, sharpen_amount,
	outpaint_left, outpaint_right, outpaint_top, outpaint_bottom, outpaint_feather,
	motion_bucket_id, fps, duration_seconds,
	comfyui_prompt_id,
	created_at, completed_at`

// Create inserts a new generation record
func (s *Store) Create(g *Generation) error {
	query := `
		INSERT INTO generations (` + generationColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		          ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		g.ID, g.PortfolioID, string(g.Kind),
		g.Prompt, nullStr(g.NegativePrompt), g.Width, g.Height, g.Seed, g.Steps, g.CFGScale, g.Sampler, g.Scheduler,
		string(g.Status), g.Progress, nullStr(g.ErrorMessage),
		nullStr(g.ImagePath), nullStr(g.ThumbnailPath), nullStr(g.VideoPath),
		nullStr(g.ParentID), nullStr(g.SourceGenerationID),
		nullStr(g.WorkflowID), nullStr(g.ModelFilename), nullStr(g.LoraFilename),
		nullStr(g.MaskPath), g.DenoisingStrength, g.GrowMaskBy,
		g.UpscaleFactor, nullStr(g.UpscaleModel), g.SharpenAmount,
		g.OutpaintLeft, g.OutpaintRight, g.OutpaintTop, g.OutpaintBottom, g.OutpaintFeather,
		g.MotionBucketID, g.FPS, g.DurationSeconds,
		nullStr(g.ComfyUIPromptID),
		g.CreatedAt, g.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create generation")
	}

	return nil
}

// Get retrieves a generation by ID
func (s *Store) Get(id string) (*Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`

	g, err := scanGeneration(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "generation %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get generation")
	}

	return g, nil
}

// Update persists all mutable fields of an existing generation
func (s *Store) Update(g *Generation) error {
	query := `
		UPDATE generations
		SET status = ?,
		    progress = ?,
		    error_message = ?,
		    seed = ?,
		    image_path = ?,
		    thumbnail_path = ?,
		    video_path = ?,
		    mask_path = ?,
		    comfyui_prompt_id = ?,
		    completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		string(g.Status),
		g.Progress,
		nullStr(g.ErrorMessage),
		g.Seed,
		nullStr(g.ImagePath),
		nullStr(g.ThumbnailPath),
		nullStr(g.VideoPath),
		nullStr(g.MaskPath),
		nullStr(g.ComfyUIPromptID),
		g.CompletedAt,
		g.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update generation")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "generation %s", g.ID)
	}

	return nil
}

// Delete removes a generation record
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM generations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete generation")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete result")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "generation %s", id)
	}

	return nil
}

// ListByPortfolio returns all generations for a portfolio, newest first
func (s *Store) ListByPortfolio(portfolioID string) ([]*Generation, error) {
	query := `SELECT ` + generationColumns + `
		FROM generations
		WHERE portfolio_id = ?
		ORDER BY created_at DESC`

	return s.list(query, portfolioID)
}

// ListAnimations returns all animation generations for a portfolio, newest first
func (s *Store) ListAnimations(portfolioID string) ([]*Generation, error) {
	query := `SELECT ` + generationColumns + `
		FROM generations
		WHERE portfolio_id = ? AND generation_type = ?
		ORDER BY created_at DESC`

	return s.list(query, portfolioID, string(KindAnimate))
}

// CountCompleted counts completed generations of a given kind in a portfolio
func (s *Store) CountCompleted(portfolioID string, kind Kind) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM generations WHERE portfolio_id = ? AND generation_type = ? AND status = ?`,
		portfolioID, string(kind), string(StatusCompleted),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count generations")
	}
	return count, nil
}

// ListUnanimatedTxt2Img returns completed text-to-image generations in a
// portfolio that no animation references as its source.
func (s *Store) ListUnanimatedTxt2Img(portfolioID string) ([]*Generation, error) {
	query := `SELECT ` + generationColumns + `
		FROM generations g
		WHERE g.portfolio_id = ?
		  AND g.generation_type = ?
		  AND g.status = ?
		  AND g.image_path IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM generations a
			WHERE a.source_generation_id = g.id AND a.generation_type = ?
		  )`

	return s.list(query, portfolioID, string(KindTxt2Img), string(StatusCompleted), string(KindAnimate))
}

func (s *Store) list(query string, args ...any) ([]*Generation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list generations")
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan generation")
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate generations")
	}

	return gens, nil
}

// scannable covers both *sql.Row and *sql.Rows
type scannable interface {
	Scan(dest ...any) error
}

func scanGeneration(row scannable) (*Generation, error) {
	var g Generation
	var kind, status string
	var negPrompt, errMsg, imagePath, thumbPath, videoPath sql.NullString
	var parentID, sourceID, workflowID, modelFile, loraFile sql.NullString
	var maskPath, upscaleModel, promptID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&g.ID, &g.PortfolioID, &kind,
		&g.Prompt, &negPrompt, &g.Width, &g.Height, &g.Seed, &g.Steps, &g.CFGScale, &g.Sampler, &g.Scheduler,
		&status, &g.Progress, &errMsg,
		&imagePath, &thumbPath, &videoPath,
		&parentID, &sourceID,
		&workflowID, &modelFile, &loraFile,
		&maskPath, &g.DenoisingStrength, &g.GrowMaskBy,
		&g.UpscaleFactor, &upscaleModel, &g.SharpenAmount,
		&g.OutpaintLeft, &g.OutpaintRight, &g.OutpaintTop, &g.OutpaintBottom, &g.OutpaintFeather,
		&g.MotionBucketID, &g.FPS, &g.DurationSeconds,
		&promptID,
		&g.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Kind = Kind(kind)
	g.Status = Status(status)
	g.NegativePrompt = negPrompt.String
	g.ErrorMessage = errMsg.String
	g.ImagePath = imagePath.String
	g.ThumbnailPath = thumbPath.String
	g.VideoPath = videoPath.String
	g.ParentID = parentID.String
	g.SourceGenerationID = sourceID.String
	g.WorkflowID = workflowID.String
	g.ModelFilename = modelFile.String
	g.LoraFilename = loraFile.String
	g.MaskPath = maskPath.String
	g.UpscaleModel = upscaleModel.String
	g.ComfyUIPromptID = promptID.String
	if completedAt.Valid {
		t := completedAt.Time
		g.CompletedAt = &t
	}

	return &g, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
