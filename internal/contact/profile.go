package contact

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/example/heartvoice/pkg/models"
	"go.uber.org/zap"
)

// CollectProfile calls the patient to fill empty profile fields. Each field is asked by the script
// registered for topic ProfileTopic(field); fields sharing a script are asked in one call.
// It returns the fields it stored. Fields without a script are left empty.
func (t *Trigger) CollectProfile(ctx context.Context, patient *models.Patient) (map[string]string, error) {
	log := t.log.With(zap.Int64("patient_id", patient.ID))

	status, err := t.PatientStatus(ctx, patient.ID)
	if err != nil {
		return nil, err
	}

	table := t.Scripts()
	missing := make(map[string]bool)
	var scripts []string
	seen := make(map[string]bool)
	fields := patient.ProfileFields()
	for _, field := range sortedKeys(fields) {
		if fields[field] != "" {
			continue
		}
		script, ok := table.Script(status, ProfileTopic(field))
		if !ok {
			log.Debug("No profile script", zap.String("field", field))
			continue
		}
		missing[field] = true
		if !seen[script] {
			seen[script] = true
			scripts = append(scripts, script)
		}
	}
	sort.Strings(scripts)

	collected := make(map[string]string)
	for _, script := range scripts {
		call := &models.Call{PatientID: patient.ID, ScriptID: script, StartedAt: t.clock()}
		if err := t.Calls.Create(ctx, call); err != nil {
			return collected, fmt.Errorf("profile call for patient %d: %w", patient.ID, err)
		}
		result, err := t.run(ctx, call, patient.Phone)
		if err != nil {
			return collected, t.contactFailed(ctx, call, 0, err)
		}
		t.finish(ctx, call, models.CallCompleted, t.clock())

		for name, value := range result.Variables {
			field := strings.ToLower(name)
			value = strings.TrimSpace(value)
			if missing[field] && value != "" {
				collected[field] = value
			}
		}
	}

	if len(collected) == 0 {
		return collected, nil
	}
	if err := t.Patients.UpdateProfile(ctx, patient.ID, collected); err != nil {
		return collected, err
	}
	log.Info("Profile updated", zap.Strings("fields", sortedKeys(collected)))
	return collected, nil
}
