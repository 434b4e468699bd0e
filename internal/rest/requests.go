package rest

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	serverError "github.com/ByeonDoHyeon06/vibehost/internal/error"
	serverJSON "github.com/ByeonDoHyeon06/vibehost/internal/json"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

type ProvisionServerRequest struct {
	Plan         string `json:"plan" validate:"required,max=64"`
	Location     string `json:"location" validate:"omitempty,max=64"`
	ExpireInDays *int   `json:"expire_in_days,omitempty" validate:"omitempty,min=1,max=3650"`
}

// ProvisionServerResponse carries the one-time root password. It is not
// retrievable again.
type ProvisionServerResponse struct {
	Server   *store.Server `json:"server"`
	Password string        `json:"password"`
	Skipped  []string      `json:"skipped_steps,omitempty"`
}

type ApplyUpgradeRequest struct {
	Upgrade string `json:"upgrade" validate:"required,max=64"`
}

type ExtendServerRequest struct {
	Days int `json:"days" validate:"required,min=1,max=3650"`
}

type ResetPasswordResponse struct {
	Server   *store.Server `json:"server"`
	Password string        `json:"password"`
}

type RegisterUserRequest struct {
	Email          string `json:"email" validate:"required,email"`
	PhoneNumber    string `json:"phone_number" validate:"omitempty,max=32"`
	ExternalAuthID string `json:"external_auth_id" validate:"omitempty,max=255"`
}

type UpsertPlanRequest struct {
	Name         string  `json:"name" validate:"required,max=64"`
	VCPU         int     `json:"vcpu" validate:"required,min=1,max=128"`
	MemoryMB     int     `json:"memory_mb" validate:"required,min=128"`
	DiskGB       int     `json:"disk_gb" validate:"required,min=1"`
	Location     string  `json:"location" validate:"required,max=64"`
	HostID       string  `json:"host_id" validate:"omitempty,max=64"`
	Node         string  `json:"node" validate:"omitempty,max=64"`
	TemplateVMID int     `json:"template_vmid" validate:"omitempty,min=100"`
	DiskStorage  string  `json:"disk_storage" validate:"omitempty,max=64"`
	CloneMode    string  `json:"clone_mode" validate:"omitempty,oneof=full linked"`
	Price        float64 `json:"price" validate:"min=0"`
	ExpireInDays int     `json:"expire_in_days" validate:"omitempty,min=1"`
	Description  string  `json:"description" validate:"omitempty,max=255"`
}

func (r *UpsertPlanRequest) plan() *store.PlanSpec {
	return &store.PlanSpec{
		Name: r.Name, VCPU: r.VCPU, MemoryMB: r.MemoryMB, DiskGB: r.DiskGB,
		Location: r.Location, HostID: r.HostID, Node: r.Node,
		TemplateVMID: r.TemplateVMID, DiskStorage: r.DiskStorage, CloneMode: r.CloneMode,
		Price: r.Price, ExpireInDays: r.ExpireInDays, Description: r.Description,
	}
}

type UpsertUpgradeRequest struct {
	Name        string  `json:"name" validate:"required,max=64"`
	AddVCPU     int     `json:"add_vcpu" validate:"min=0"`
	AddMemoryMB int     `json:"add_memory_mb" validate:"min=0"`
	AddDiskGB   int     `json:"add_disk_gb" validate:"min=0"`
	Price       float64 `json:"price" validate:"min=0"`
	Description string  `json:"description" validate:"omitempty,max=255"`
}

func (r *UpsertUpgradeRequest) upgrade() *store.UpgradeSpec {
	return &store.UpgradeSpec{
		Name: r.Name, AddVCPU: r.AddVCPU, AddMemoryMB: r.AddMemoryMB, AddDiskGB: r.AddDiskGB,
		Price: r.Price, Description: r.Description,
	}
}

// UpsertHostRequest registers a hypervisor endpoint. Either a token pair
// or a username and password is required.
type UpsertHostRequest struct {
	ID          string `json:"id" validate:"required,max=64"`
	BaseURL     string `json:"base_url" validate:"required,url"`
	Username    string `json:"username" validate:"required_without=TokenID"`
	Password    string `json:"password" validate:"required_with=Username"`
	Realm       string `json:"realm" validate:"omitempty,max=32"`
	TokenID     string `json:"token_id" validate:"required_without=Username"`
	TokenSecret string `json:"token_secret" validate:"required_with=TokenID"`
	Node        string `json:"node" validate:"omitempty,max=64"`
	Location    string `json:"location" validate:"required,max=64"`
	VerifySSL   *bool  `json:"verify_ssl"`
}

func (r *UpsertHostRequest) host(defaultVerify bool) *store.HostConfig {
	verify := defaultVerify
	if r.VerifySSL != nil {
		verify = *r.VerifySSL
	}
	return &store.HostConfig{
		ID: r.ID, BaseURL: strings.TrimRight(r.BaseURL, "/"),
		Username: r.Username, Password: r.Password, Realm: r.Realm,
		TokenID: r.TokenID, TokenSecret: r.TokenSecret,
		Node: r.Node, Location: r.Location, VerifySSL: verify,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// describeValidation turns validator errors into one readable line.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_with", "required_without":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "min", "max":
			parts = append(parts, fmt.Sprintf("%s must be %s %s", fe.Field(), map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param()))
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

// decode reads and validates a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := serverJSON.DecodeJSON(r.Context(), r, dst); err != nil {
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed", err.Error(), err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		serverError.RespondErrorKind(w, http.StatusBadRequest, "validation_failed", describeValidation(err), err)
		return false
	}
	return true
}
