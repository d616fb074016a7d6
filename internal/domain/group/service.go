package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/camcops/camcops/internal/domain/idpolicy"
)

type Service struct {
	groups Repository
	idnums IDNumLister
}

// NewService returns a group service. idnums may be nil, in which case
// policies are only checked for syntax.
func NewService(groups Repository, idnums IDNumLister) *Service {
	return &Service{groups: groups, idnums: idnums}
}

func (s *Service) CreateGroup(ctx context.Context, g *Group) error {
	if err := s.validate(ctx, g); err != nil {
		return err
	}
	if _, err := s.groups.GetByName(ctx, g.Name); err == nil {
		return ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.groups.Create(ctx, g)
}

func (s *Service) GetGroup(ctx context.Context, id int64) (*Group, error) {
	return s.groups.GetByID(ctx, id)
}

func (s *Service) ListGroups(ctx context.Context) ([]*Group, error) {
	return s.groups.List(ctx)
}

// UpdateGroup edits name, description, policies, IP use and the groups this
// group can see.
func (s *Service) UpdateGroup(ctx context.Context, g *Group) error {
	if _, err := s.groups.GetByID(ctx, g.ID); err != nil {
		return err
	}
	if err := s.validate(ctx, g); err != nil {
		return err
	}
	if other, err := s.groups.GetByName(ctx, g.Name); err == nil && other.ID != g.ID {
		return ErrDuplicate
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.groups.Update(ctx, g)
}

// DeleteGroup removes a group that no patient or task record refers to.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	if _, err := s.groups.GetByID(ctx, id); err != nil {
		return err
	}
	used, err := s.groups.AnyRecordsUseGroup(ctx, id)
	if err != nil {
		return fmt.Errorf("check group usage: %w", err)
	}
	if used {
		return ErrInUse
	}
	return s.groups.Delete(ctx, id)
}

// Policies returns the parsed upload and finalize policies for a group.
func (s *Service) Policies(ctx context.Context, id int64) (upload, finalize *idpolicy.Policy, err error) {
	g, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if upload, err = idpolicy.Parse(g.UploadPolicy); err != nil {
		return nil, nil, fmt.Errorf("group %s upload policy: %w", g.Name, err)
	}
	if finalize, err = idpolicy.Parse(g.FinalizePolicy); err != nil {
		return nil, nil, fmt.Errorf("group %s finalize policy: %w", g.Name, err)
	}
	return upload, finalize, nil
}

func (s *Service) validate(ctx context.Context, g *Group) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !validName.MatchString(g.Name) {
		return fmt.Errorf("%w: name %q may contain only letters, digits, underscores and hyphens", ErrInvalid, g.Name)
	}

	var known []int
	if s.idnums != nil {
		var err error
		if known, err = s.idnums.WhichIDNums(ctx); err != nil {
			return fmt.Errorf("list ID number types: %w", err)
		}
		if known == nil {
			known = []int{}
		}
	}
	if err := idpolicy.Validate(g.UploadPolicy, known); err != nil {
		return fmt.Errorf("%w: upload policy: %v", ErrInvalid, err)
	}
	if err := idpolicy.Validate(g.FinalizePolicy, known); err != nil {
		return fmt.Errorf("%w: finalize policy: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(g.FinalizePolicy) != "" {
		fp, _ := idpolicy.Parse(g.FinalizePolicy)
		ok, err := fp.TabletValid()
		if err != nil {
			return fmt.Errorf("%w: finalize policy: %v", ErrInvalid, err)
		}
		if !ok {
			return fmt.Errorf("%w: finalize policy must require an ID number or forename, surname, dob and sex", ErrInvalid)
		}
	}

	slices.Sort(g.CanSeeOtherGroups)
	g.CanSeeOtherGroups = slices.Compact(g.CanSeeOtherGroups)
	for _, other := range g.CanSeeOtherGroups {
		if g.ID != 0 && other == g.ID {
			return fmt.Errorf("%w: a group cannot be configured to see itself", ErrInvalid)
		}
		if _, err := s.groups.GetByID(ctx, other); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: group %d does not exist", ErrInvalid, other)
			}
			return err
		}
	}
	return nil
}
