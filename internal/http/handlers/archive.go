package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"productlab/internal/domain"
	"productlab/internal/processor/replicate"
	"productlab/internal/storage"
	"productlab/pkg/zip"
)

// ArchiveJob downloads every successful output of a finished job and returns
// them as one zip file.
func (a *App) ArchiveJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	job, err := a.loadJobForUser(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Status != domain.JobStatusSuccess {
		a.error(w, http.StatusConflict, "JOB_NOT_READY", "Only successful jobs can be downloaded.")
		return
	}
	if a.Fetcher == nil {
		a.error(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Downloads are not configured.")
		return
	}

	sources := archiveSources(job)
	if len(sources) == 0 {
		a.error(w, http.StatusNotFound, string(domain.CodeImageResultMissing), domain.DefaultMessage(domain.CodeImageResultMissing))
		return
	}
	assets := make([]zip.Asset, 0, len(sources))
	for i, src := range sources {
		data, contentType, err := a.Fetcher.Fetch(r.Context(), src)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Str("src", src).Msg("api: archive fetch failed")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%02d%s", job.ID, i+1, storage.ExtensionFor(contentType)),
			MIME:     contentType,
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusBadGateway, string(domain.CodeUpstreamError), "No output could be downloaded.")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.WriteAssets(w, assets); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("api: archive write failed")
	}
}

// archiveSources lists output URLs in logical unit order.
func archiveSources(job *domain.Job) []string {
	if job.Type == domain.JobTypeStyleReplicate && len(job.ResultData) > 0 {
		var result replicate.Result
		if err := json.Unmarshal(job.ResultData, &result); err == nil {
			var urls []string
			for _, unit := range result.Outputs {
				if unit.Status == replicate.UnitSuccess && unit.URL != "" {
					urls = append(urls, unit.URL)
				}
			}
			if len(urls) > 0 {
				return urls
			}
		}
	}
	if job.ResultURL != "" {
		return []string{job.ResultURL}
	}
	return nil
}
