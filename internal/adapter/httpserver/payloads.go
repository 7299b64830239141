package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// maxBodyBytes caps JSON request bodies; session payloads are tiny.
const maxBodyBytes = 1 << 20

var errBadJSON = fmt.Errorf("op=httpserver: invalid json body: %w", domain.ErrValidation)

// decodeJSON reads a bounded JSON body into v and runs the validator
// tags, returning field→tag details on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("op=httpserver.decodeJSON: empty body: %w", domain.ErrValidation)
		}
		return nil, fmt.Errorf("op=httpserver.decodeJSON: invalid json: %w", domain.ErrValidation)
	}
	if err := getValidator().Struct(v); err != nil {
		details := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return details, fmt.Errorf("op=httpserver.decodeJSON: %w", domain.ErrValidation)
	}
	return nil, nil
}

// launchPayload is the POST /launch body. Everything except hpc is
// optional; resource fields default in the launch service.
type launchPayload struct {
	HPC      string `json:"hpc" validate:"required"`
	IDE      string `json:"ide" validate:"omitempty,oneof=vscode rstudio jupyter"`
	Release  string `json:"release"`
	CPUs     int    `json:"cpus" validate:"omitempty,min=1,max=1024"`
	Memory   string `json:"memory"`
	Walltime string `json:"walltime"`
	GPU      string `json:"gpu"`
}

func (p launchPayload) request(user string) usecase.LaunchRequest {
	ide := domain.IDE(p.IDE)
	if p.IDE == "" {
		ide = domain.IDEVSCode
	}
	return usecase.LaunchRequest{
		User:     user,
		Cluster:  p.HPC,
		IDE:      ide,
		Release:  p.Release,
		CPUs:     p.CPUs,
		Memory:   p.Memory,
		Walltime: p.Walltime,
		GPU:      p.GPU,
	}
}

// launchQuery builds a LaunchRequest from the SSE stream's query
// string, where the body cannot carry it.
func launchQuery(r *http.Request, user, hpc string, ide domain.IDE) usecase.LaunchRequest {
	q := r.URL.Query()
	cpus := 0
	if s := q.Get("cpus"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cpus = n
		}
	}
	return usecase.LaunchRequest{
		User:                 user,
		Cluster:              hpc,
		IDE:                  ide,
		Release:              q.Get("release"),
		CPUs:                 cpus,
		Memory:               q.Get("memory"),
		Walltime:             q.Get("walltime"),
		GPU:                  q.Get("gpu"),
		PendingOnWaitTimeout: true,
	}
}

// stopPayload is the POST /stop/{hpc}/{ide} body.
type stopPayload struct {
	CancelJob bool `json:"cancelJob"`
}

// keysPayload is the POST /api/user/keys body.
type keysPayload struct {
	FullName string `json:"fullName" validate:"required,max=200"`
	Password string `json:"password" validate:"required,min=8,max=200"`
}

// importPayload is the POST /api/user/keys/import body.
type importPayload struct {
	Username   string `json:"username" validate:"required,max=64"`
	PrivateKey string `json:"privateKey" validate:"required"`
}

// unlockPayload is the POST /api/user/unlock body.
type unlockPayload struct {
	Password string `json:"password" validate:"required"`
}
