package sqlinline

const QSelectTemplateByID = `--sql 5d968065-8988-4e16-8bf9-20c8286a1e30
select id, owner_account_id::text, name, base, defaults, created_at, updated_at
from templates
where id = $1::text
limit 1;
`

const QSelectTemplatesByOwner = `--sql d79a35a3-4363-4d7c-ad68-e2ecdc816b04
select id, owner_account_id::text, name, base, defaults, created_at, updated_at
from templates
where owner_account_id = $1::uuid
order by updated_at desc;
`

const QUpsertTemplate = `--sql dbbacea7-94d8-4931-b2ef-aa7f4128bcc9
insert into templates (id, owner_account_id, name, base, defaults, created_at, updated_at)
values ($1::text, $2::uuid, $3::text, $4::text, coalesce($5::jsonb, '{}'::jsonb), now(), now())
on conflict (id) do update set
    name = excluded.name,
    base = excluded.base,
    defaults = excluded.defaults,
    updated_at = now()
where templates.owner_account_id = excluded.owner_account_id;
`
